/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: session.go
Description: iSCSI session phase tracking on top of the builder. Strict sessions refuse
PDUs that do not belong to the current phase; relaxed sessions build anything, which is
what fuzzing out-of-phase traffic needs.
*/

package iscsi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kleascm/packetstorm/pkg/packet"
	"github.com/sirupsen/logrus"
)

// Phase is an iSCSI session phase
type Phase string

const (
	PhaseIdle                   Phase = "idle"
	PhaseSecurityNegotiation    Phase = "security_negotiation"
	PhaseOperationalNegotiation Phase = "operational_negotiation"
	PhaseFullFeature            Phase = "full_feature"
	PhaseLogoutPending          Phase = "logout_pending"
	PhaseClosed                 Phase = "closed"
	PhaseFailed                 Phase = "error"
)

// ErrPhase is matched by every PhaseError
var ErrPhase = errors.New("operation not allowed in session phase")

// PhaseError names the phase an operation was refused in
type PhaseError struct {
	Operation string
	Phase     Phase
	Allowed   []Phase
}

func (e *PhaseError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, p := range e.Allowed {
		allowed[i] = string(p)
	}
	return fmt.Sprintf("%s not allowed in phase '%s'. Allowed phases: %s", e.Operation, e.Phase, strings.Join(allowed, ", "))
}

// Is matches ErrPhase
func (e *PhaseError) Is(target error) bool {
	return target == ErrPhase
}

// Operation is one full-feature request of a session sequence
type Operation struct {
	Type   string         `mapstructure:"type" json:"type" yaml:"type"`
	Params map[string]any `mapstructure:",remain" json:"params,omitempty" yaml:",inline"`
}

// Session drives a Builder through login, full feature and logout
type Session struct {
	builder    *Builder
	strict     bool
	phase      Phase
	negotiated map[string]string
	log        *logrus.Entry
}

// NewSession wraps b. strict enforces phase ordering.
func NewSession(b *Builder, strict bool) *Session {
	return &Session{
		builder:    b,
		strict:     strict,
		phase:      PhaseIdle,
		negotiated: make(map[string]string),
		log:        b.log.WithField("component", "protocol.iscsi.session"),
	}
}

// Phase returns the current phase
func (s *Session) Phase() Phase { return s.phase }

// Strict reports whether phase ordering is enforced
func (s *Session) Strict() bool { return s.strict }

// Negotiated returns the keys offered during login so far
func (s *Session) Negotiated() map[string]string {
	out := make(map[string]string, len(s.negotiated))
	for k, v := range s.negotiated {
		out[k] = v
	}
	return out
}

func (s *Session) check(op string, allowed ...Phase) error {
	if !s.strict {
		return nil
	}
	for _, p := range allowed {
		if s.phase == p {
			return nil
		}
	}
	return &PhaseError{Operation: op, Phase: s.phase, Allowed: allowed}
}

func (s *Session) login(stage string) (*packet.Packet, error) {
	p, err := s.builder.BuildPacket(TypeLoginRequest, map[string]any{"stage": stage, "transit": true})
	if err != nil {
		return nil, err
	}
	if pdu := p.ISCSI(); pdu != nil {
		for _, kv := range DecodeKeyValues(pdu.Data) {
			s.negotiated[kv.Key] = kv.Value
		}
	}
	return p, nil
}

// LoginSecurity builds the security negotiation login request
func (s *Session) LoginSecurity() (*packet.Packet, error) {
	if err := s.check("login_security", PhaseIdle, PhaseSecurityNegotiation); err != nil {
		return nil, err
	}
	s.phase = PhaseSecurityNegotiation
	s.log.Debug("Building security negotiation login request")
	return s.login("security")
}

// LoginOperational builds the operational negotiation login request
func (s *Session) LoginOperational() (*packet.Packet, error) {
	if err := s.check("login_operational", PhaseSecurityNegotiation, PhaseOperationalNegotiation); err != nil {
		return nil, err
	}
	s.phase = PhaseOperationalNegotiation
	s.log.Debug("Building operational negotiation login request")
	return s.login("operational")
}

// CompleteLogin enters the full feature phase after a successful login response
func (s *Session) CompleteLogin() error {
	if err := s.check("complete_login", PhaseSecurityNegotiation, PhaseOperationalNegotiation); err != nil {
		return err
	}
	s.phase = PhaseFullFeature
	s.log.Info("iSCSI session entered Full Feature phase")
	return nil
}

// fullFeatureTypes are the packet types Build accepts
var fullFeatureTypes = map[string]bool{
	TypeSCSICommand:    true,
	TypeSCSIRead:       true,
	TypeSCSIWrite:      true,
	TypeDataOut:        true,
	TypeNOPOut:         true,
	TypeTaskManagement: true,
	TypeTextRequest:    true,
}

// Build builds a full feature phase request of packetType
func (s *Session) Build(packetType string, params map[string]any) (*packet.Packet, error) {
	if !fullFeatureTypes[packetType] {
		return nil, fmt.Errorf("'%s' is not a full feature phase request", packetType)
	}
	if err := s.check(packetType, PhaseFullFeature); err != nil {
		return nil, err
	}
	return s.builder.BuildPacket(packetType, params)
}

// Logout builds a logout request and moves to logout pending
func (s *Session) Logout(reason int) (*packet.Packet, error) {
	if err := s.check("logout", PhaseFullFeature); err != nil {
		return nil, err
	}
	s.phase = PhaseLogoutPending
	return s.builder.BuildPacket(TypeLogoutRequest, map[string]any{"reason": reason})
}

// CompleteLogout closes the session
func (s *Session) CompleteLogout() {
	s.phase = PhaseClosed
	s.log.Info("iSCSI session closed")
}

// Fail marks the session as failed
func (s *Session) Fail() {
	s.phase = PhaseFailed
}

// LoginSequence builds both login stages without waiting for responses
func (s *Session) LoginSequence() ([]*packet.Packet, error) {
	sec, err := s.LoginSecurity()
	if err != nil {
		return nil, err
	}
	op, err := s.LoginOperational()
	if err != nil {
		return nil, err
	}
	return []*packet.Packet{sec, op}, nil
}

// FullSessionSequence builds login, ops and logout from idle, ignoring strictness.
// No ops performs a single one-block read at LBA 0. Unknown op types are skipped.
func (s *Session) FullSessionSequence(ops []Operation) ([]*packet.Packet, error) {
	wasStrict := s.strict
	s.strict = false
	s.phase = PhaseIdle
	defer func() { s.strict = wasStrict }()

	out, err := s.LoginSequence()
	if err != nil {
		return nil, err
	}
	s.phase = PhaseFullFeature

	if ops == nil {
		ops = []Operation{{Type: TypeSCSIRead, Params: map[string]any{"lba": 0, "block_count": 1}}}
	}
	for _, op := range ops {
		if op.Type == "" {
			op.Type = TypeNOPOut
		}
		if !fullFeatureTypes[op.Type] {
			s.log.WithField("type", op.Type).Warn("Unknown operation type")
			continue
		}
		p, err := s.Build(op.Type, op.Params)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	logout, err := s.Logout(LogoutCloseSession)
	if err != nil {
		return nil, err
	}
	return append(out, logout), nil
}

// Reset returns the session to idle and forgets negotiated keys
func (s *Session) Reset() {
	s.phase = PhaseIdle
	s.negotiated = make(map[string]string)
	s.log.Debug("iSCSI session reset")
}
