// Package rpc exposes the management API on a unix-domain socket:
// JSON verbs routed over HTTP, and an event stream for interface
// up/down notifications.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/newtron-network/ifmgrd/pkg/audit"
	"github.com/newtron-network/ifmgrd/pkg/device"
	"github.com/newtron-network/ifmgrd/pkg/iface"
	"github.com/newtron-network/ifmgrd/pkg/util"
)

// DefaultSocketPath is where the daemon listens unless -s overrides.
const DefaultSocketPath = "/var/run/ifmgrd.sock"

// Core is the daemon surface the API drives. Every mutating verb runs
// under the core lock through Locked.
type Core interface {
	Locked(fn func())
	Interfaces() *iface.Registry
	Devices() *device.Registry
	Reload() error
	Restart()
}

// Server serves the management API.
type Server struct {
	core       Core
	audit      audit.Logger
	socketPath string

	httpServer *http.Server
	listener   net.Listener
	events     *eventBroker
}

// NewServer creates a server bound to core. A nil audit logger
// disables auditing.
func NewServer(core Core, auditLog audit.Logger, socketPath string) *Server {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Server{
		core:       core,
		audit:      auditLog,
		socketPath: socketPath,
		events:     newEventBroker(),
	}
}

// SocketPath returns the listening socket path.
func (s *Server) SocketPath() string { return s.socketPath }

// Start binds the unix socket and serves until Stop.
func (s *Server) Start() error {
	os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return err
	}

	s.listener = ln
	s.httpServer = &http.Server{Handler: s.router()}

	// feed the event stream from interface transitions
	s.core.Interfaces().OnEvent(func(ifc *iface.Interface, ev iface.Event) {
		s.events.publish(InterfaceEvent{Action: ev.String(), Interface: ifc.Name()})
	})

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Logger.WithError(err).Error("rpc server failed")
		}
	}()

	util.Logger.Infof("rpc listening on %s", s.socketPath)
	return nil
}

// Stop shuts the server down and removes the socket.
func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
	s.events.close()
	os.Remove(s.socketPath)
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/network/restart", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/network/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/network/events", s.handleEvents).Methods(http.MethodGet)

	r.HandleFunc("/network/device/status", s.handleDeviceStatus).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/network/device/set_alias", s.handleSetAlias).Methods(http.MethodPost)

	r.HandleFunc("/network/interface", s.handleInterfaceList).Methods(http.MethodGet)
	r.HandleFunc("/network/interface/{name}/status", s.handleIfaceStatus).Methods(http.MethodGet)
	r.HandleFunc("/network/interface/{name}/up", s.ifaceVerb("up")).Methods(http.MethodPost)
	r.HandleFunc("/network/interface/{name}/down", s.ifaceVerb("down")).Methods(http.MethodPost)
	r.HandleFunc("/network/interface/{name}/prepare", s.ifaceVerb("prepare")).Methods(http.MethodPost)
	r.HandleFunc("/network/interface/{name}/remove", s.ifaceVerb("remove")).Methods(http.MethodPost)
	r.HandleFunc("/network/interface/{name}/add_device", s.ifaceVerb("add_device")).Methods(http.MethodPost)
	r.HandleFunc("/network/interface/{name}/remove_device", s.ifaceVerb("remove_device")).Methods(http.MethodPost)
	r.HandleFunc("/network/interface/{name}/notify_proto", s.handleNotifyProto).Methods(http.MethodPost)

	return r
}

// writeJSON renders a success payload.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps core errors onto HTTP status codes. Structural and
// argument errors reject with 400 before any state mutates.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, util.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, util.ErrInvalidArgument),
		errors.Is(err, util.ErrInvalidConfig),
		errors.Is(err, util.ErrValidationFailed):
		status = http.StatusBadRequest
	case errors.Is(err, util.ErrNotSupported):
		status = http.StatusNotImplemented
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
