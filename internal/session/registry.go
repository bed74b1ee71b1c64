package session

import "sync"

// Registry maps registered patients to their live websocket sessions.
// It doubles as the ring scheduler's notifier so an armed ring reaches
// the right connection, if one exists.
type Registry struct {
	mu        sync.Mutex
	byPatient map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{byPatient: map[string]*Session{}}
}

// Register binds a session to a patient, displacing any stale binding
// from a previous connection.
func (r *Registry) Register(patientID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPatient[patientID] = s
}

// Unregister removes the binding only if it still points at s, so a
// reconnect racing a disconnect cannot unbind the fresh session.
func (r *Registry) Unregister(patientID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byPatient[patientID] == s {
		delete(r.byPatient, patientID)
	}
}

func (r *Registry) Lookup(patientID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byPatient[patientID]
	return s, ok
}

// NotifyIncomingCall implements ring.Notifier. It reports whether a
// registered client actually received the offer.
func (r *Registry) NotifyIncomingCall(patientID string, payload map[string]any) bool {
	s, ok := r.Lookup(patientID)
	if !ok {
		return false
	}
	msg := ServerMessage{"type": MsgIncomingCall}
	for k, v := range payload {
		msg[k] = v
	}
	return s.send(msg) == nil
}

// NotifyMissed implements ring.Notifier.
func (r *Registry) NotifyMissed(patientID string, payload map[string]any) {
	s, ok := r.Lookup(patientID)
	if !ok {
		return
	}
	msg := ServerMessage{"type": MsgIncomingCallMissed}
	for k, v := range payload {
		msg[k] = v
	}
	_ = s.send(msg)
}
