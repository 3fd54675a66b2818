package modules

import (
	"encoding/json"
	"fmt"
	"time"
)

const day = 24 * time.Hour

// Inbound mirrors the 3x-ui inbound object. Settings and StreamSettings
// arrive as JSON encoded strings.
type Inbound struct {
	ID             int    `json:"id"`
	Remark         string `json:"remark"`
	Enable         bool   `json:"enable"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
	Tag            string `json:"tag"`
}

// RemoteClient is a client entry under an inbound. ExpiryTime is epoch
// milliseconds, the panel's native unit; Reset is a pending reset period in
// days.
type RemoteClient struct {
	ID         string `json:"id"`
	Flow       string `json:"flow"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	SubID      string `json:"subId"`
	Reset      int    `json:"reset"`
}

// Expiry is the raw expiry as a time.
func (c RemoteClient) Expiry() time.Time {
	return time.UnixMilli(c.ExpiryTime)
}

// EffectiveExpiry adds any pending reset period to the raw expiry.
func (c RemoteClient) EffectiveExpiry() time.Time {
	return c.Expiry().Add(time.Duration(c.Reset) * day)
}

type inboundSettings struct {
	Clients []RemoteClient `json:"clients"`
}

type streamSettings struct {
	Network         string          `json:"network"`
	Security        string          `json:"security"`
	RealitySettings realitySettings `json:"realitySettings"`
}

type realitySettings struct {
	ServerNames []string `json:"serverNames"`
	ShortIDs    []string `json:"shortIds"`
	Settings    struct {
		PublicKey   string `json:"publicKey"`
		Fingerprint string `json:"fingerprint"`
		ServerName  string `json:"serverName"`
		SpiderX     string `json:"spiderX"`
	} `json:"settings"`
}

func (in *Inbound) clients() ([]RemoteClient, error) {
	if in.Settings == "" {
		return nil, nil
	}
	var settings inboundSettings
	if err := json.Unmarshal([]byte(in.Settings), &settings); err != nil {
		return nil, fmt.Errorf("decode settings of inbound %d: %w", in.ID, err)
	}
	return settings.Clients, nil
}

func (in *Inbound) stream() (streamSettings, error) {
	var stream streamSettings
	if in.StreamSettings == "" {
		return stream, nil
	}
	if err := json.Unmarshal([]byte(in.StreamSettings), &stream); err != nil {
		return stream, fmt.Errorf("decode stream settings of inbound %d: %w", in.ID, err)
	}
	return stream, nil
}

// Clients indexes the inbound's clients by email.
func (in *Inbound) Clients() (map[string]RemoteClient, error) {
	list, err := in.clients()
	if err != nil {
		return nil, err
	}
	byEmail := make(map[string]RemoteClient, len(list))
	for _, client := range list {
		byEmail[client.Email] = client
	}
	return byEmail, nil
}
