package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"vpnshop/config"
	"vpnshop/models"
	"vpnshop/payment"
	"vpnshop/provision"
)

const dateLayout = "02.01.2006 15:04"

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// formatTimeLeft renders whole days from 24 hours up, hours below that.
func formatTimeLeft(hours int) string {
	if hours >= 24 {
		return plural(hours/24, "day")
	}
	return plural(hours, "hour")
}

func expiryNoticeText(hours int, expiry time.Time) string {
	return fmt.Sprintf("⚠️ Attention!\n\nYour subscription expires in %s.\nEnd date: %s\n\nExtend it to keep your VPN access.",
		formatTimeLeft(hours), expiry.Format(dateLayout))
}

func keyText(res *provision.Result, headline string) string {
	link := res.ConnectionString
	if link == "" {
		link = fmt.Sprintf("The connection link is not ready yet. Send /key %d a bit later.", res.KeyID)
	}
	return fmt.Sprintf("%s\n\nServer: %s\nExpires: %s\n\n%s",
		headline, res.HostName, res.Expiry.Format(dateLayout), link)
}

func paymentHeadline(p payment.Completed, created bool) string {
	if created {
		return "✅ Payment received. Your new key is ready."
	}
	return fmt.Sprintf("✅ Payment received. Your key was extended by %s.", plural(p.Days(), "day"))
}

func keysText(keys []models.Key, now time.Time) string {
	if len(keys) == 0 {
		return "You have no keys yet."
	}
	var b strings.Builder
	b.WriteString("Your keys:\n")
	for _, k := range keys {
		status := "active"
		if !k.ExpiryDate.After(now) {
			status = "expired"
		}
		fmt.Fprintf(&b, "\n#%d  %s  until %s (%s)", k.ID, k.HostName, k.ExpiryDate.Format(dateLayout), status)
	}
	b.WriteString("\n\nSend /key <number> to get the connection link.")
	return b.String()
}

func profileText(user *models.User, keys []models.Key, now time.Time) string {
	active := 0
	for _, k := range keys {
		if k.ExpiryDate.After(now) {
			active++
		}
	}
	return fmt.Sprintf("Profile\n\nID: %d\nUsername: %s\nTotal spent: %.2f\nMonths bought: %d\nKeys: %d (%d active)\nTrial used: %t",
		user.TelegramID, user.Username, user.TotalSpent, user.TotalMonths, len(keys), active, user.TrialUsed)
}

func plansText(plans []config.Plan) string {
	if len(plans) == 0 {
		return "No plans are on sale right now."
	}
	var b strings.Builder
	b.WriteString("Plans:\n")
	for _, p := range plans {
		fmt.Fprintf(&b, "\n%s: %s, %.2f", p.Title, plural(p.Months, "month"), p.Price)
	}
	return b.String()
}

func hostsText(hosts []models.Host) string {
	if len(hosts) == 0 {
		return "No hosts configured."
	}
	var b strings.Builder
	b.WriteString("Hosts:\n")
	for _, h := range hosts {
		fmt.Fprintf(&b, "\n%s  %s  inbound %d", h.Name, h.URL, h.InboundID)
	}
	return b.String()
}

// failureText is the user-facing message for a provisioning error.
func failureText(err error) string {
	switch {
	case errors.Is(err, provision.ErrTrialUsed):
		return "You have already used your free trial."
	case errors.Is(err, provision.ErrHostNotFound):
		return "This server is not available. Choose another one."
	case errors.Is(err, provision.ErrKeyNotFound):
		return "Key not found."
	case errors.Is(err, provision.ErrHostMismatch):
		return "This key belongs to another server."
	case errors.Is(err, provision.ErrUserNotFound):
		return "Send /start first."
	default:
		return "❌ Something went wrong. Please try again later or contact support."
	}
}
