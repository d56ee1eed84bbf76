package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

var keysToIgnore = map[string]struct{}{
	"timestamp": {},
	"requestId": {},
	"createdAt": {},
	"updatedAt": {},
}

func prepareRequest(
	method, path string,
	body io.Reader,
	headers map[string]string,
	cookies []http.Cookie) (*http.Request, error) {

	req := httptest.NewRequest(method, path, body)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	for _, cookie := range cookies {
		req.AddCookie(&cookie)
	}

	return req, nil
}

func compareResponse(t *testing.T, body io.Reader, expectedResponse string) {
	var actual map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&actual))

	cleanMap(actual)

	var expected map[string]any
	require.NoError(t, json.Unmarshal([]byte(expectedResponse), &expected))

	// ignore indetermistic fields while comparing
	opts := cmpopts.IgnoreMapEntries(func(k string, _ any) bool {
		_, ignored := keysToIgnore[k]
		return ignored
	})

	if diff := cmp.Diff(expected, actual, opts); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func cleanMap(m map[string]any) {
	for k := range m {
		if _, ok := keysToIgnore[k]; ok {
			delete(m, k)
			continue
		}
		if nested, ok := m[k].(map[string]any); ok {
			cleanMap(nested)
		}
	}
}

// resetDatabase empties every table and seeds the two test users.
func resetDatabase(t testing.TB, db *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()

	_, err := db.Exec(ctx, `TRUNCATE processor_events, payment_audit_events, payments, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	_, err = db.Exec(ctx, `
		INSERT INTO users (email, first_name, last_name)
		VALUES ($1, $2, $3), ($4, '', '')
	`, TestUserEmail, TestUserFirstName, TestUserLastName, OtherUserEmail)
	require.NoError(t, err)
}

// signedWebhook returns a Stripe event body and a valid Stripe-Signature header for it.
func signedWebhook(t testing.TB, id, eventType string, object map[string]any) (string, map[string]string) {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   raw,
		Secret:    TestWebhookSecret,
		Timestamp: time.Now(),
	})

	return string(signed.Payload), map[string]string{"Stripe-Signature": signed.Header}
}

// signedCallback signs fields the way the mobile-money provider does and
// returns the JSON body of the callback.
func signedCallback(t testing.TB, app *TestApp, fields map[string]any) string {
	t.Helper()

	sign, err := app.Signer.Sign(fields)
	require.NoError(t, err)

	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["sign"] = sign

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	return string(raw)
}

func jsonBody(t testing.TB, v any) io.Reader {
	t.Helper()

	raw, err := json.Marshal(v)
	require.NoError(t, err)

	return strings.NewReader(string(raw))
}
