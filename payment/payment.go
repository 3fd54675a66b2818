// Package payment turns provider callbacks into a validated Completed value.
// Provider specific payload shapes stop here; the provisioning code only sees
// Completed.
package payment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidPayment = errors.New("invalid payment")

type Provider string

const (
	ProviderYooKassa Provider = "yookassa"
	ProviderCrypto   Provider = "crypto"
)

type Action string

const (
	ActionNew    Action = "new"
	ActionExtend Action = "extend"
)

// DaysPerMonth converts purchased months into key days.
const DaysPerMonth = 30

type Completed struct {
	Provider Provider
	UserID   int64
	HostName string
	Action   Action
	PlanID   string
	Amount   float64
	Months   int
	// KeyID is the key being extended; zero for new keys.
	KeyID uint
	// ChatID and MessageID point at the invoice message to clean up, if any.
	ChatID    int64
	MessageID int
}

func (p Completed) Days() int {
	return p.Months * DaysPerMonth
}

func (p Completed) Validate() error {
	switch p.Provider {
	case ProviderYooKassa, ProviderCrypto:
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidPayment, p.Provider)
	}
	if p.UserID <= 0 {
		return fmt.Errorf("%w: user id missing", ErrInvalidPayment)
	}
	if p.Months <= 0 {
		return fmt.Errorf("%w: months must be positive", ErrInvalidPayment)
	}
	if p.Amount < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidPayment)
	}
	switch p.Action {
	case ActionNew:
		if p.HostName == "" {
			return fmt.Errorf("%w: host name missing for new key", ErrInvalidPayment)
		}
	case ActionExtend:
		if p.KeyID == 0 {
			return fmt.Errorf("%w: key id missing for extension", ErrInvalidPayment)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidPayment, p.Action)
	}
	return nil
}

// FromMetadata decodes the metadata attached to a provider invoice. Providers
// echo metadata back with numbers as strings, so both forms are accepted.
func FromMetadata(provider Provider, meta map[string]any) (Completed, error) {
	p := Completed{
		Provider: provider,
		HostName: str(meta["host_name"]),
		Action:   Action(str(meta["action"])),
		PlanID:   str(meta["plan_id"]),
	}

	var err error
	if p.UserID, err = integer(meta, "user_id", true); err != nil {
		return Completed{}, err
	}
	months, err := integer(meta, "months", true)
	if err != nil {
		return Completed{}, err
	}
	p.Months = int(months)
	if p.Amount, err = float(meta, "price"); err != nil {
		return Completed{}, err
	}
	keyID, err := integer(meta, "key_id", false)
	if err != nil {
		return Completed{}, err
	}
	p.KeyID = uint(keyID)
	if p.ChatID, err = integer(meta, "chat_id", false); err != nil {
		return Completed{}, err
	}
	messageID, err := integer(meta, "message_id", false)
	if err != nil {
		return Completed{}, err
	}
	p.MessageID = int(messageID)

	if err := p.Validate(); err != nil {
		return Completed{}, err
	}
	return p, nil
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return fmt.Sprint(t)
	}
}

func integer(meta map[string]any, key string, required bool) (int64, error) {
	raw := str(meta[key])
	if raw == "" || raw == "None" || raw == "null" {
		if required {
			return 0, fmt.Errorf("%w: %s missing", ErrInvalidPayment, key)
		}
		return 0, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, fmt.Errorf("%w: %s is not an integer: %q", ErrInvalidPayment, key, raw)
	}
	return int64(f), nil
}

func float(meta map[string]any, key string) (float64, error) {
	raw := str(meta[key])
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a number: %q", ErrInvalidPayment, key, raw)
	}
	return f, nil
}
