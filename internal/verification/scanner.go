package verification

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/iliyamo/venue-ticketing/internal/utils"
)

// Mode selects how a scanner verifies signatures.  A scanner does not
// switch modes on its own: falling back to offline on a network error would
// let an attacker who can cut the network pick the weaker check.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// Presentation is a ticket as read at the door.
type Presentation struct {
	Token     string
	Signature string
	Method    Method
	StaffID   string
	PIN       string // staff PIN, manual entry only
}

// Decision reasons.
const (
	ReasonVerified       = "verified"
	ReasonUnsigned       = "unsigned"
	ReasonRejected       = "rejected"
	ReasonManualEntry    = "manual_entry"
	ReasonManualDisabled = "manual_disabled"
	ReasonBadPIN         = "bad_pin"
	ReasonUnknownMethod  = "unknown_method"
)

// Decision is the scanner's verdict.
type Decision struct {
	Valid  bool
	Reason string
}

// Scanner applies the door policy on top of a verification mode.
type Scanner struct {
	mode    Mode
	online  TokenVerifier
	offline TokenVerifier
	pinHash string
	log     *zap.Logger
}

// ScannerConfig configures a Scanner.  An empty ManualPINHash disables
// manual entry.
type ScannerConfig struct {
	Mode          Mode
	Online        TokenVerifier
	Offline       TokenVerifier
	ManualPINHash string
}

// NewScanner builds a Scanner.
func NewScanner(cfg ScannerConfig, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{mode: cfg.Mode, online: cfg.Online, offline: cfg.Offline, pinHash: cfg.ManualPINHash, log: log}
}

// Scan decides whether to admit a presentation.
func (s *Scanner) Scan(ctx context.Context, p Presentation) Decision {
	token := strings.TrimSpace(p.Token)
	switch p.Method {
	case MethodCamera, MethodTap:
		if token == "" || strings.TrimSpace(p.Signature) == "" {
			// Unsigned means forged.
			return Decision{Reason: ReasonUnsigned}
		}
		v := s.verifier()
		if v != nil && v.Verify(ctx, token, p.Signature) {
			return Decision{Valid: true, Reason: ReasonVerified}
		}
		return Decision{Reason: ReasonRejected}
	case MethodManual:
		if s.pinHash == "" {
			return Decision{Reason: ReasonManualDisabled}
		}
		if !utils.VerifyPIN(s.pinHash, p.PIN) {
			s.log.Warn("manual entry with wrong PIN", zap.String("staff_id", p.StaffID))
			return Decision{Reason: ReasonBadPIN}
		}
		s.log.Warn("manual entry fallback used",
			zap.String("staff_id", p.StaffID),
			zap.String("token", token),
			zap.String("mode", string(s.mode)),
		)
		return Decision{Valid: true, Reason: ReasonManualEntry}
	}
	return Decision{Reason: ReasonUnknownMethod}
}

func (s *Scanner) verifier() TokenVerifier {
	if s.mode == ModeOffline {
		return s.offline
	}
	return s.online
}
