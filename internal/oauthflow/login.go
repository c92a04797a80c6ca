package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudbridge/internal/backend"
)

const (
	stateTokenBytes = 16

	// Registered redirect URIs are "http://localhost" with any port; the path
	// must match exactly.
	callbackPath = "/"

	shutdownTimeout = 5 * time.Second
)

// DeviceCode is what a user needs to finish a device-code login elsewhere.
type DeviceCode struct {
	UserCode        string
	VerificationURI string
}

type callbackResult struct {
	code string
	err  error
}

// BrowserLogin runs the authorization code + PKCE flow against cfg. It binds
// a loopback callback server, hands the authorization URL to openURL, and
// exchanges the returned code. When openURL fails the URL is written to
// fallback so the user can open it by hand. opts carry vendor-specific
// authorization parameters.
func BrowserLogin(
	ctx context.Context,
	cfg *oauth2.Config,
	openURL func(string) error,
	fallback io.Writer,
	logger *slog.Logger,
	opts ...oauth2.AuthCodeOption,
) (*backend.Token, error) {
	logger.Info("starting browser authorization", slog.String("auth_url", cfg.Endpoint.AuthURL))

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, port, err := startCallbackServer(ctx, mux, resultCh, logger)
	if err != nil {
		return nil, err
	}

	defer shutdownCallbackServer(srv, logger)

	// Copy so the caller's config keeps its redirect URL.
	local := *cfg
	local.RedirectURL = fmt.Sprintf("http://localhost:%d", port)

	verifier := oauth2.GenerateVerifier()

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("oauthflow: generating state: %w", err)
	}

	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		handleCallback(w, r, state, resultCh)
	})

	opts = append([]oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier)}, opts...)
	authURL := local.AuthCodeURL(state, opts...)

	if openErr := openURL(authURL); openErr != nil {
		logger.Warn("could not open browser", slog.String("error", openErr.Error()))

		if fallback != nil {
			fmt.Fprintf(fallback, "Open this URL in your browser:\n%s\n", authURL)
		}
	}

	code, err := waitForCallback(ctx, resultCh)
	if err != nil {
		return nil, err
	}

	logger.Info("received authorization code, exchanging")

	tok, err := local.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("oauthflow: token exchange: %w", err)
	}

	return fromOAuth(tok)
}

// DeviceLogin runs the device-code flow for hosts without a browser. display
// receives the code to show the user; the call blocks until the user
// authorizes or ctx ends.
func DeviceLogin(
	ctx context.Context,
	cfg *oauth2.Config,
	display func(DeviceCode),
	logger *slog.Logger,
) (*backend.Token, error) {
	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: device authorization: %w", err)
	}

	logger.Info("device code issued, waiting for user")

	display(DeviceCode{UserCode: da.UserCode, VerificationURI: da.VerificationURI})

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: device authorization: %w", err)
	}

	return fromOAuth(tok)
}

func fromOAuth(tok *oauth2.Token) (*backend.Token, error) {
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: authorization returned no offline token", backend.ErrNoNewToken)
	}

	return &backend.Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}, nil
}

func startCallbackServer(
	ctx context.Context,
	mux *http.ServeMux,
	resultCh chan<- callbackResult,
	logger *slog.Logger,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("oauthflow: binding loopback listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, errors.New("oauthflow: listener address is not TCP")
	}

	logger.Debug("callback server listening", slog.Int("port", tcpAddr.Port))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: shutdownTimeout}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case resultCh <- callbackResult{err: fmt.Errorf("oauthflow: callback server: %w", serveErr)}:
			default:
			}
		}
	}()

	return srv, tcpAddr.Port, nil
}

func handleCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- callbackResult) {
	q := r.URL.Query()

	var res callbackResult

	switch {
	case q.Get("state") != state:
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		res.err = errors.New("oauthflow: state mismatch")
	case q.Get("error") != "":
		http.Error(w, "Authorization failed: "+q.Get("error"), http.StatusBadRequest)
		res.err = fmt.Errorf("%w: %s: %s", backend.ErrOAuthRejected, q.Get("error"), q.Get("error_description"))
	case q.Get("code") == "":
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		res.err = errors.New("oauthflow: callback missing authorization code")
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h1>Account linked</h1>"+
			"<p>You can close this window.</p></body></html>")

		res.code = q.Get("code")
	}

	// Only the first callback counts.
	select {
	case resultCh <- res:
	default:
	}
}

func shutdownCallbackServer(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("callback server shutdown", slog.String("error", err.Error()))
	}
}

func waitForCallback(ctx context.Context, resultCh <-chan callbackResult) (string, error) {
	select {
	case res := <-resultCh:
		return res.code, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("oauthflow: browser authorization canceled: %w", ctx.Err())
	}
}

func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
