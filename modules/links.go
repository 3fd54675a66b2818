package modules

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrRealityIncomplete means the inbound lacks a parameter needed to build a
// client link. It is a panel configuration problem and is not retried.
var ErrRealityIncomplete = errors.New("inbound reality settings incomplete")

const defaultFingerprint = "chrome"

// ConnectionString renders the vless reality link for clientID on inbound,
// using the hostname of the panel URL as the server address.
func ConnectionString(inbound *Inbound, clientID, hostURL, remark string) (string, error) {
	if inbound == nil {
		return "", fmt.Errorf("no inbound: %w", ErrRealityIncomplete)
	}
	stream, err := inbound.stream()
	if err != nil {
		return "", err
	}
	reality := stream.RealitySettings
	publicKey := reality.Settings.PublicKey
	if publicKey == "" || len(reality.ServerNames) == 0 || len(reality.ShortIDs) == 0 {
		return "", fmt.Errorf("inbound %d: %w", inbound.ID, ErrRealityIncomplete)
	}

	parsed, err := url.Parse(hostURL)
	if err != nil {
		return "", fmt.Errorf("parse host url: %w", err)
	}
	fingerprint := reality.Settings.Fingerprint
	if fingerprint == "" {
		fingerprint = defaultFingerprint
	}
	network := stream.Network
	if network == "" {
		network = "tcp"
	}

	query := url.Values{}
	query.Set("type", network)
	query.Set("security", "reality")
	query.Set("pbk", publicKey)
	query.Set("fp", fingerprint)
	query.Set("sni", reality.ServerNames[0])
	query.Set("sid", reality.ShortIDs[0])
	query.Set("spx", "/")
	query.Set("flow", "xtls-rprx-vision")

	return fmt.Sprintf("vless://%s@%s:%d?%s#%s", clientID, parsed.Hostname(), inbound.Port, query.Encode(), url.PathEscape(remark)), nil
}
