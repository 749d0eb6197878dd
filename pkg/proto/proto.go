// Package proto implements the protocol handler registry and the
// built-in handlers. A handler attaches to an interface and drives its
// SETUP/TEARDOWN, reporting progress through interface proto events.
package proto

import (
	"fmt"
	"sort"

	"github.com/newtron-network/ifmgrd/pkg/iface"
	"github.com/newtron-network/ifmgrd/pkg/util"
)

// Handler is a named protocol in the registry.
type Handler struct {
	Name  string
	Flags iface.ProtoFlags

	Attach func(ifc *iface.Interface, cfg *iface.Config) (iface.ProtoState, error)
}

// Registry is the table of named protocol handlers. It implements
// iface.ProtoAttacher.
type Registry struct {
	handlers map[string]*Handler
}

// NewRegistry creates a registry with the native handlers installed.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]*Handler)}
	r.Register(noneHandler())
	r.Register(staticHandler())
	return r
}

// Register adds a handler to the table.
func (r *Registry) Register(h *Handler) {
	util.WithProto(h.Name).Debug("add protocol handler")
	r.handlers[h.Name] = h
}

// Lookup returns the named handler or nil.
func (r *Registry) Lookup(name string) *Handler {
	return r.handlers[name]
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Attach binds the named handler to ifc.
func (r *Registry) Attach(ifc *iface.Interface, name string, cfg *iface.Config) (iface.ProtoState, iface.ProtoFlags, error) {
	h := r.handlers[name]
	if h == nil {
		return nil, 0, fmt.Errorf("%w: protocol %q", util.ErrNotFound, name)
	}
	ps, err := h.Attach(ifc, cfg)
	if err != nil {
		return nil, 0, err
	}
	return ps, h.Flags, nil
}
