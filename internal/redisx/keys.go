package redisx

import (
	"fmt"
	"time"
)

const (
	// Idempotent order create: idem:order:create:{user_id}:{idempotency_key} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s:%s"

	// Order read cache: order:{order_id} -> order JSON
	KeyOrder = "order:%s"

	// Event processing dedup: dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Low-stock notification debounce: alert:debounce:{product_id}
	KeyAlertDebounce = "alert:debounce:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLOrderCache  = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)

func IdemOrderCreate(userID, key string) string { return fmt.Sprintf(KeyIdemOrderCreate, userID, key) }
func Order(orderID string) string { return fmt.Sprintf(KeyOrder, orderID) }
func Dedup(consumer, eventID string) string { return fmt.Sprintf(KeyDedup, consumer, eventID) }
func AlertDebounce(productID string) string { return fmt.Sprintf(KeyAlertDebounce, productID) }
