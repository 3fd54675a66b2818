package scheduler

// NotificationCache remembers which expiry thresholds already produced a
// notice, per user and key. It lives in memory only and is not safe for
// concurrent use; the scheduler goroutine owns it.
type NotificationCache struct {
	fired map[int64]map[uint]map[int]struct{}
}

func NewNotificationCache() *NotificationCache {
	return &NotificationCache{fired: make(map[int64]map[uint]map[int]struct{})}
}

func (c *NotificationCache) Fired(userID int64, keyID uint, hours int) bool {
	_, ok := c.fired[userID][keyID][hours]
	return ok
}

func (c *NotificationCache) Mark(userID int64, keyID uint, hours int) {
	keys, ok := c.fired[userID]
	if !ok {
		keys = make(map[uint]map[int]struct{})
		c.fired[userID] = keys
	}
	thresholds, ok := keys[keyID]
	if !ok {
		thresholds = make(map[int]struct{})
		keys[keyID] = thresholds
	}
	thresholds[hours] = struct{}{}
}

// Prune drops every key not in live, and users left with no keys.
func (c *NotificationCache) Prune(live map[uint]struct{}) {
	for userID, keys := range c.fired {
		for keyID := range keys {
			if _, ok := live[keyID]; !ok {
				delete(keys, keyID)
			}
		}
		if len(keys) == 0 {
			delete(c.fired, userID)
		}
	}
}

// Len reports how many keys have at least one fired threshold.
func (c *NotificationCache) Len() int {
	n := 0
	for _, keys := range c.fired {
		n += len(keys)
	}
	return n
}
