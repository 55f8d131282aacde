package engine

// Listener is attached to an Interface to be notified when its
// configuration changes. It does not participate in interface refcounting
// at all.
type Listener struct {
	// Callback is invoked with changed=true every time ReconfigureInterface
	// pushes a configuration into the interface's socket, including the
	// re-application after a protocol port change, whether or not the
	// values differ from the previous ones. Nothing in this package
	// invokes it with changed=false.
	Callback func(ifc *Interface, changed bool)

	iface *Interface
}

// NewListener constructs a detached Listener with the given callback.
func NewListener(cb func(ifc *Interface, changed bool)) *Listener {
	return &Listener{Callback: cb}
}

// notify invokes the listener's callback, if any.
func (l *Listener) notify(ifc *Interface, changed bool) {
	if l.Callback != nil {
		l.Callback(ifc, changed)
	}
}

// attachListener appends l to ifc's listener list and sets l's back-pointer.
func attachListener(ifc *Interface, l *Listener) {
	ifc.listeners = append(ifc.listeners, l)
	l.iface = ifc
}

// detachListener removes l from ifc's listener list, if present, and
// clears its back-pointer. A no-op if l is not currently attached to ifc.
func detachListener(ifc *Interface, l *Listener) {
	for i, cur := range ifc.listeners {
		if cur == l {
			ifc.listeners = append(ifc.listeners[:i], ifc.listeners[i+1:]...)
			break
		}
	}
	if l.iface == ifc {
		l.iface = nil
	}
}

// notifyListeners invokes every listener attached to ifc unconditionally;
// each listener decides for itself whether changed warrants action.
func notifyListeners(ifc *Interface, changed bool) {
	for _, l := range ifc.listeners {
		l.notify(ifc, changed)
	}
}
