package repository

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func FuzzNormalizeNotifyChannel(f *testing.F) {
	f.Add("")
	f.Add("discount_events")
	f.Add("  custom_events  ")

	f.Fuzz(func(t *testing.T, channel string) {
		got := normalizeNotifyChannel(channel)
		trimmed := strings.TrimSpace(channel)
		if trimmed == "" {
			if got != defaultNotifyChannel {
				t.Fatalf("normalizeNotifyChannel(%q) = %q, want %q", channel, got, defaultNotifyChannel)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("normalizeNotifyChannel(%q) = %q, want %q", channel, got, trimmed)
		}
	})
}

func FuzzEnsureJSON(f *testing.F) {
	f.Add([]byte{}, "{}")
	f.Add([]byte(`{"a":1}`), "{}")

	f.Fuzz(func(t *testing.T, input []byte, fallback string) {
		got := ensureJSON(json.RawMessage(input), fallback)
		if len(input) == 0 {
			if string(got) != fallback {
				t.Fatalf("ensureJSON(empty,%q) = %q, want %q", fallback, got, fallback)
			}
			return
		}

		if string(got) != string(input) {
			t.Fatalf("ensureJSON(non-empty) = %q, want %q", got, input)
		}
	})
}

func FuzzListenStatement(f *testing.F) {
	f.Add("discount_events")
	f.Add("custom-events")
	f.Add(`";DROP TABLE discounts;--`)

	f.Fuzz(func(t *testing.T, channel string) {
		statement := listenStatement(channel)
		if !strings.HasPrefix(statement, "LISTEN ") {
			t.Fatalf("listenStatement(%q) = %q, want LISTEN prefix", channel, statement)
		}
	})
}

func FuzzMarshalNotifyPayload(f *testing.F) {
	f.Add("example.myshopify.com", "0b7e3a39-7c0e-4a53-9a51-02f9f4cf4b55", "updated")
	f.Add("other.myshopify.com", "d2d0c8a4-1f55-4a54-8c41-8d8f3e0c1a11", "deleted")
	f.Add("", "", "")

	f.Fuzz(func(t *testing.T, shop, discountID, eventType string) {
		payload, err := marshalNotifyPayload(DiscountEvent{
			Shop:       shop,
			DiscountID: discountID,
			EventType:  eventType,
		})
		if err != nil {
			t.Fatalf("marshalNotifyPayload() error = %v", err)
		}

		var decoded struct {
			Shop       string `json:"shop"`
			DiscountID string `json:"discount_id"`
			EventType  string `json:"event_type"`
		}
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			t.Fatalf("notify payload should be valid JSON: %v", err)
		}
		if utf8.ValidString(shop) && decoded.Shop != shop {
			t.Fatalf("decoded payload shop mismatch: got %q, want %q", decoded.Shop, shop)
		}
		if utf8.ValidString(discountID) && decoded.DiscountID != discountID {
			t.Fatalf("decoded payload discount id mismatch: got %q, want %q", decoded.DiscountID, discountID)
		}
		if utf8.ValidString(eventType) && decoded.EventType != eventType {
			t.Fatalf("decoded payload event type mismatch: got %q, want %q", decoded.EventType, eventType)
		}
	})
}
