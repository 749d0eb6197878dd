package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/newtron-network/ifmgrd/pkg/audit"
	"github.com/newtron-network/ifmgrd/pkg/iface"
	"github.com/newtron-network/ifmgrd/pkg/util"
)

// InterfaceStatus is the status document for one interface.
type InterfaceStatus struct {
	Interface string        `json:"interface"`
	Up        bool          `json:"up"`
	Pending   bool          `json:"pending"`
	Available bool          `json:"available"`
	Autostart bool          `json:"autostart"`
	Proto     string        `json:"proto,omitempty"`
	Device    string        `json:"device,omitempty"`
	L3Device  string        `json:"l3_device,omitempty"`
	Uptime    int64         `json:"uptime,omitempty"`
	Errors    []iface.Error `json:"errors,omitempty"`
}

func statusOf(ifc *iface.Interface) *InterfaceStatus {
	st := &InterfaceStatus{
		Interface: ifc.Name(),
		Up:        ifc.State() == iface.StateUp,
		Pending:   ifc.State() == iface.StateSetup,
		Available: ifc.Available(),
		Autostart: ifc.Autostart(),
		Proto:     ifc.ProtoName(),
		Errors:    ifc.Errors(),
	}
	if dev := ifc.MainDevice(); dev != nil {
		st.Device = dev.Ifname()
	}
	st.L3Device = ifc.L3Ifname()
	if up := ifc.Uptime(); up > 0 {
		st.Uptime = int64(up.Seconds())
	}
	return st
}

// logVerb records one audited management operation.
func (s *Server) logVerb(ev *audit.Event, start time.Time, err error) {
	ev.WithDuration(time.Since(start))
	if err != nil {
		ev.WithError(err)
	} else {
		ev.WithSuccess()
	}
	if lerr := s.audit.Log(ev); lerr != nil {
		util.Logger.WithError(lerr).Debug("audit log failed")
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.core.Restart()
	s.logVerb(audit.NewEvent("network.restart"), start, nil)
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var err error
	s.core.Locked(func() {
		err = s.core.Reload()
	})
	s.logVerb(audit.NewEvent("network.reload"), start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if r.Method == http.MethodPost {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Name != "" {
			name = req.Name
		}
	}

	var status map[string]interface{}
	var err error
	s.core.Locked(func() {
		status, err = s.core.Devices().DumpStatus(name)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleSetAlias(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req struct {
		Alias  []string `json:"alias"`
		Device string   `json:"device"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", util.ErrInvalidArgument, err))
		return
	}
	if len(req.Alias) == 0 {
		writeError(w, fmt.Errorf("%w: missing alias", util.ErrInvalidArgument))
		return
	}

	var err error
	s.core.Locked(func() {
		devices := s.core.Devices()
		if req.Device != "" {
			dev := devices.Get(req.Device, true)
			if dev == nil {
				err = fmt.Errorf("%w: device %q", util.ErrInvalidArgument, req.Device)
				return
			}
			for _, a := range req.Alias {
				devices.AliasNotify(a, dev)
			}
		} else {
			for _, a := range req.Alias {
				devices.AliasNotify(a, nil)
			}
		}
	})
	s.logVerb(audit.NewEvent("device.set_alias").WithDevice(req.Device), start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleInterfaceList(w http.ResponseWriter, r *http.Request) {
	var out []*InterfaceStatus
	s.core.Locked(func() {
		s.core.Interfaces().ForEach(func(ifc *iface.Interface) {
			out = append(out, statusOf(ifc))
		})
	})
	writeJSON(w, out)
}

func (s *Server) handleIfaceStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var st *InterfaceStatus
	s.core.Locked(func() {
		if ifc := s.core.Interfaces().Get(name); ifc != nil {
			st = statusOf(ifc)
		}
	})
	if st == nil {
		writeError(w, fmt.Errorf("%w: interface %q", util.ErrNotFound, name))
		return
	}
	writeJSON(w, st)
}

// ifaceVerb dispatches the simple per-interface verbs.
func (s *Server) ifaceVerb(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		name := mux.Vars(r)["name"]

		var req struct {
			Name string `json:"name"`
		}
		if verb == "add_device" || verb == "remove_device" {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
				writeError(w, fmt.Errorf("%w: missing device name", util.ErrInvalidArgument))
				return
			}
		}

		var err error
		s.core.Locked(func() {
			ifc := s.core.Interfaces().Get(name)
			if ifc == nil {
				err = fmt.Errorf("%w: interface %q", util.ErrNotFound, name)
				return
			}

			switch verb {
			case "up":
				err = ifc.SetUp()
			case "down":
				ifc.SetDown()
			case "prepare":
				err = ifc.Prepare()
			case "remove":
				s.core.Interfaces().ScheduleRemove(ifc)
			case "add_device", "remove_device":
				dev := s.core.Devices().Get(req.Name, verb == "add_device")
				if dev == nil {
					err = fmt.Errorf("%w: device %q", util.ErrInvalidArgument, req.Name)
					return
				}
				if verb == "add_device" {
					err = ifc.AddDevice(dev)
				} else {
					err = ifc.RemoveDevice(dev)
				}
			}
		})
		s.logVerb(audit.NewEvent("interface."+verb).WithInterface(name), start, err)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	}
}

func (s *Server) handleNotifyProto(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", util.ErrInvalidArgument, err))
		return
	}

	s.core.Locked(func() {
		ifc := s.core.Interfaces().Get(name)
		if ifc == nil {
			err = fmt.Errorf("%w: interface %q", util.ErrNotFound, name)
			return
		}
		notifier, ok := ifc.ProtoStateRef().(iface.ProtoNotifier)
		if !ok {
			err = fmt.Errorf("%w: protocol does not accept notifications", util.ErrNotSupported)
			return
		}
		err = notifier.Notify(json.RawMessage(body))
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}
