package scan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClamAVCleanFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Contains(t, r.MultipartForm.File, "FILES")
		w.Write([]byte(`{"success":true,"data":{"result":[{"name":"a.txt","is_infected":false}]}}`))
	}))
	defer srv.Close()

	clean, err := NewClamAV(srv.URL).Scan(context.Background(), "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.True(t, clean)
}

func TestClamAVInfectedFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"result":[{"name":"evil.bin","is_infected":true}]}}`))
	}))
	defer srv.Close()

	clean, err := NewClamAV(srv.URL).Scan(context.Background(), "evil.bin", []byte("x"))
	require.NoError(t, err)
	assert.False(t, clean, "infected file reported clean")
}

func TestClamAVScannerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClamAV(srv.URL).Scan(context.Background(), "a.txt", []byte("x"))
	assert.Error(t, err, "want error on scanner failure")
}

func TestClamAVNoVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"result":[]}}`))
	}))
	defer srv.Close()

	_, err := NewClamAV(srv.URL).Scan(context.Background(), "a.txt", []byte("x"))
	assert.Error(t, err, "want error on empty verdict")
}

func TestNoopAcceptsEverything(t *testing.T) {
	clean, err := Noop{}.Scan(context.Background(), "anything", []byte{0x90, 0x90})
	require.NoError(t, err)
	assert.True(t, clean)
}
