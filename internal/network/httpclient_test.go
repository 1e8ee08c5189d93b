// internal/network/httpclient_test.go
package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-recaptcha/internal/config"
)

func TestNewDefaultClientConfig(t *testing.T) {
	SetupObservability(t)
	cfg := NewDefaultClientConfig()

	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, DefaultResponseHeaderTimeout, cfg.ResponseHeaderTimeout)
	assert.Equal(t, DefaultMaxIdleConns, cfg.MaxIdleConns)
	assert.True(t, cfg.ForceHTTP2, "HTTP/2 should be preferred by default")
	assert.True(t, cfg.FollowRedirects)
	assert.NotNil(t, cfg.Logger)
}

func TestClientConfigFromNetwork(t *testing.T) {
	SetupObservability(t)

	cc, err := ClientConfigFromNetwork(config.NetworkConfig{
		RequestTimeout:  7 * time.Second,
		IgnoreTLSErrors: true,
		ForceHTTP2:      false,
		ProxyURL:        "http://127.0.0.1:3128",
	})
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cc.RequestTimeout)
	assert.True(t, cc.IgnoreTLSErrors)
	assert.False(t, cc.ForceHTTP2)
	require.NotNil(t, cc.ProxyURL)
	assert.Equal(t, "127.0.0.1:3128", cc.ProxyURL.Host)

	_, err = ClientConfigFromNetwork(config.NetworkConfig{ProxyURL: "http://[::1"})
	assert.Error(t, err)
}

func TestConfigureTLS_Defaults(t *testing.T) {
	SetupObservability(t)
	tlsConfig := configureTLS(NewDefaultClientConfig())

	require.NotNil(t, tlsConfig)
	assert.Equal(t, uint16(requiredMinTLSVersion), tlsConfig.MinVersion)
	assert.False(t, tlsConfig.InsecureSkipVerify)
	assert.Equal(t, defaultSecureCipherSuites, tlsConfig.CipherSuites)
	assert.NotNil(t, tlsConfig.ClientSessionCache)
}

func TestConfigureTLS_CustomConfigIsClonedAndHardened(t *testing.T) {
	SetupObservability(t)
	custom := &tls.Config{ServerName: "custom.sni", MinVersion: tls.VersionTLS10}
	cfg := NewDefaultClientConfig()
	cfg.TLSConfig = custom
	cfg.IgnoreTLSErrors = true

	tlsConfig := configureTLS(cfg)

	assert.Equal(t, "custom.sni", tlsConfig.ServerName)
	assert.Equal(t, uint16(requiredMinTLSVersion), tlsConfig.MinVersion, "MinVersion should be raised to TLS 1.2")
	assert.NotEmpty(t, tlsConfig.CipherSuites)
	assert.True(t, tlsConfig.InsecureSkipVerify)
	assert.NotSame(t, custom, tlsConfig)
	assert.False(t, custom.InsecureSkipVerify, "original config must not be modified")

	strict := NewDefaultClientConfig()
	strict.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS13, CipherSuites: []uint16{tls.TLS_AES_256_GCM_SHA384}}
	tlsStrict := configureTLS(strict)
	assert.Equal(t, uint16(tls.VersionTLS13), tlsStrict.MinVersion)
	assert.Equal(t, []uint16{tls.TLS_AES_256_GCM_SHA384}, tlsStrict.CipherSuites)
}

func TestNewHTTPTransport_ConfigurationMapping(t *testing.T) {
	SetupObservability(t)
	cfg := NewDefaultClientConfig()
	cfg.MaxIdleConns = 55
	cfg.IdleConnTimeout = 99 * time.Second
	cfg.ResponseHeaderTimeout = 5 * time.Second
	cfg.DisableKeepAlives = true

	transport := NewHTTPTransport(cfg)

	assert.Equal(t, 55, transport.MaxIdleConns)
	assert.Equal(t, 99*time.Second, transport.IdleConnTimeout)
	assert.Equal(t, 5*time.Second, transport.ResponseHeaderTimeout)
	assert.True(t, transport.DisableKeepAlives)
	assert.True(t, transport.DisableCompression, "compression is left to the middleware")
}

func TestNewHTTPTransport_NilConfig(t *testing.T) {
	SetupObservability(t)
	transport := NewHTTPTransport(nil)
	assert.Equal(t, DefaultMaxIdleConns, transport.MaxIdleConns)
	assert.NotNil(t, transport.DialContext)
	assert.NotNil(t, transport.TLSClientConfig)
}

func TestNewHTTPTransport_Proxy(t *testing.T) {
	SetupObservability(t)
	proxyURL, _ := url.Parse("http://proxy.example.com:8080")
	cfg := NewDefaultClientConfig()
	cfg.ProxyURL = proxyURL

	transport := NewHTTPTransport(cfg)
	require.NotNil(t, transport.Proxy)

	req, _ := http.NewRequest(http.MethodGet, "http://target.com", nil)
	got, err := transport.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, proxyURL, got)
}

func TestNewHTTPTransport_HTTP2(t *testing.T) {
	SetupObservability(t)

	t.Run("enabled", func(t *testing.T) {
		cfg := NewDefaultClientConfig()
		cfg.ForceHTTP2 = true
		transport := NewHTTPTransport(cfg)
		assert.True(t, transport.ForceAttemptHTTP2)
		assert.Equal(t, []string{"h2", "http/1.1"}, transport.TLSClientConfig.NextProtos)
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := NewDefaultClientConfig()
		cfg.ForceHTTP2 = false
		transport := NewHTTPTransport(cfg)
		assert.False(t, transport.ForceAttemptHTTP2)
		assert.Equal(t, []string{"http/1.1"}, transport.TLSClientConfig.NextProtos)
	})
}

func TestNewClient_WrapsCompressionMiddleware(t *testing.T) {
	SetupObservability(t)
	client := NewClient(nil)

	middleware, ok := client.Transport.(*CompressionMiddleware)
	require.True(t, ok, "client transport must be wrapped by CompressionMiddleware")
	_, ok = middleware.Transport.(*http.Transport)
	assert.True(t, ok)

	cfg := NewDefaultClientConfig()
	cfg.DisableCompression = true
	_, ok = NewClient(cfg).Transport.(*http.Transport)
	assert.True(t, ok, "DisableCompression skips the middleware")
}

func TestNewClient_RedirectPolicy(t *testing.T) {
	SetupObservability(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/redirected", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, "landed")
	}))
	defer server.Close()

	t.Run("follows by default", func(t *testing.T) {
		resp, err := NewClient(nil).Get(server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "landed", string(body))
	})

	t.Run("stops when disabled", func(t *testing.T) {
		cfg := NewDefaultClientConfig()
		cfg.FollowRedirects = false
		resp, err := NewClient(cfg).Get(server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/redirected", resp.Header.Get("Location"))
	})
}

func TestClient_TimeoutBehavior(t *testing.T) {
	SetupObservability(t)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := NewDefaultClientConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	client := NewClient(cfg)

	start := time.Now()
	resp, err := client.Get(server.URL)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, resp)
	var urlErr *url.Error
	require.True(t, errors.As(err, &urlErr))
	assert.True(t, urlErr.Timeout() || errors.Is(urlErr.Err, context.DeadlineExceeded))
	assert.Less(t, elapsed, 2*time.Second)
}

func TestClient_HTTPSIntegration(t *testing.T) {
	SetupObservability(t)
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "Hello, client")
	}))
	defer server.Close()

	t.Run("trusted root", func(t *testing.T) {
		pool := x509.NewCertPool()
		pool.AddCert(server.Certificate())
		cfg := NewDefaultClientConfig()
		cfg.TLSConfig = &tls.Config{RootCAs: pool}

		resp, err := NewClient(cfg).Get(server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "Hello, client\n", string(body))
	})

	t.Run("untrusted root fails", func(t *testing.T) {
		_, err := NewClient(nil).Get(server.URL)
		assert.Error(t, err)
	})

	t.Run("untrusted root with IgnoreTLSErrors", func(t *testing.T) {
		cfg := NewDefaultClientConfig()
		cfg.IgnoreTLSErrors = true
		resp, err := NewClient(cfg).Get(server.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
