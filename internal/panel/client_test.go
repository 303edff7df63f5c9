package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	client, err := NewClient(Config{
		BaseURL:  baseURL,
		Username: "admin",
		Password: "secret",
		Timeout:  2 * time.Second,
	}, logger.New(logger.ERROR))
	require.NoError(t, err)
	return client
}

func loginHandler(mux *http.ServeMux) {
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{Success: true})
	})
}

func inboundResponse(t *testing.T, w http.ResponseWriter, inbound inboundObject) {
	t.Helper()

	obj, err := json.Marshal(inbound)
	require.NoError(t, err)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Obj: obj})
}

func TestListAccountsParsesClients(t *testing.T) {
	expiry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	settings, err := json.Marshal(clientSettings{Clients: []clientObject{
		{ID: "ref-1", Email: "a@test", Enable: true, ExpiryTime: expiry.UnixMilli(), LimitIP: 3},
		{ID: "ref-2", Email: "b@test", Enable: false},
	}})
	require.NoError(t, err)

	mux := http.NewServeMux()
	loginHandler(mux)
	mux.HandleFunc("/panel/api/inbounds/get/1", func(w http.ResponseWriter, r *http.Request) {
		inboundResponse(t, w, inboundObject{ID: 1, Enable: true, Settings: string(settings)})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient(t, server.URL)

	accounts, err := client.ListAccounts(context.Background(), "1")
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, "ref-1", accounts[0].Ref)
	assert.Equal(t, "a@test", accounts[0].Identity)
	assert.True(t, accounts[0].Enabled)
	require.NotNil(t, accounts[0].ExpiresAt)
	assert.True(t, accounts[0].ExpiresAt.Equal(expiry))
	require.NotNil(t, accounts[0].DeviceLimit)
	assert.Equal(t, 3, *accounts[0].DeviceLimit)

	// Нулевые expiryTime и limitIp означают "не задано"
	assert.Nil(t, accounts[1].ExpiresAt)
	assert.Nil(t, accounts[1].DeviceLimit)
	assert.False(t, accounts[1].Enabled)
}

func TestCallFallsBackToLegacyPrefix(t *testing.T) {
	legacyCalls := 0

	mux := http.NewServeMux()
	loginHandler(mux)
	// Современный префикс не зарегистрирован и отвечает 404
	mux.HandleFunc("/xui/API/inbounds/get/1", func(w http.ResponseWriter, r *http.Request) {
		legacyCalls++
		inboundResponse(t, w, inboundObject{ID: 1, Enable: true})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient(t, server.URL)

	_, err := client.ListAccounts(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 1, legacyCalls)

	// Рабочий префикс запомнен: повторный вызов идет сразу в устаревший путь
	_, err = client.ListAccounts(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 2, legacyCalls)
	assert.Equal(t, "/xui/API/inbounds", client.prefix)
}

func TestCallRelearnsPrefixAfterPanelMigration(t *testing.T) {
	legacyOnly := false

	mux := http.NewServeMux()
	loginHandler(mux)
	mux.HandleFunc("/panel/api/inbounds/get/1", func(w http.ResponseWriter, r *http.Request) {
		if legacyOnly {
			http.NotFound(w, r)
			return
		}
		inboundResponse(t, w, inboundObject{ID: 1, Enable: true})
	})
	mux.HandleFunc("/xui/API/inbounds/get/1", func(w http.ResponseWriter, r *http.Request) {
		if !legacyOnly {
			http.NotFound(w, r)
			return
		}
		inboundResponse(t, w, inboundObject{ID: 1, Enable: true})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient(t, server.URL)

	_, err := client.ListAccounts(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "/panel/api/inbounds", client.prefix)

	// Панель мигрировала на устаревший путь: запомненный префикс отвечает
	// 404, клиент перебирает список заново и переучивается
	legacyOnly = true

	_, err = client.ListAccounts(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "/xui/API/inbounds", client.prefix)
}

func TestApplyAccountStatePatchesClient(t *testing.T) {
	settings, err := json.Marshal(clientSettings{Clients: []clientObject{
		{ID: "ref-1", Email: "a@test", Enable: true, LimitIP: 1},
	}})
	require.NoError(t, err)

	var updated clientSettings

	mux := http.NewServeMux()
	loginHandler(mux)
	mux.HandleFunc("/panel/api/inbounds/get/1", func(w http.ResponseWriter, r *http.Request) {
		inboundResponse(t, w, inboundObject{ID: 1, Enable: true, Settings: string(settings)})
	})
	mux.HandleFunc("/panel/api/inbounds/updateClient/ref-1", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("settings")), &updated))
		json.NewEncoder(w).Encode(apiResponse{Success: true})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient(t, server.URL)

	expiry := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	off := false
	limit := 5
	err = client.ApplyAccountState(context.Background(), "1", "ref-1", AccountPatch{
		ExpiresAt:   &expiry,
		Enabled:     &off,
		DeviceLimit: &limit,
	})
	require.NoError(t, err)

	require.Len(t, updated.Clients, 1)
	assert.Equal(t, expiry.UnixMilli(), updated.Clients[0].ExpiryTime)
	assert.False(t, updated.Clients[0].Enable)
	assert.Equal(t, 5, updated.Clients[0].LimitIP)
	// Нетронутые поля сохраняются
	assert.Equal(t, "a@test", updated.Clients[0].Email)
}

func TestApplyAccountStateUnknownRef(t *testing.T) {
	mux := http.NewServeMux()
	loginHandler(mux)
	mux.HandleFunc("/panel/api/inbounds/get/1", func(w http.ResponseWriter, r *http.Request) {
		inboundResponse(t, w, inboundObject{ID: 1, Enable: true})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient(t, server.URL)

	on := true
	err := client.ApplyAccountState(context.Background(), "1", "ghost", AccountPatch{Enabled: &on})
	assert.Error(t, err)
}

func TestLoginFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{Success: false, Msg: "bad credentials"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient(t, server.URL)

	_, err := client.ListAccounts(context.Background(), "1")
	assert.Error(t, err)
}
