// Package status builds the server list entry the proxy answers status
// requests with, without touching the backend.
package status

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/slumber-project/slumber/internal/config"
	"github.com/slumber-project/slumber/internal/protocol"
	"github.com/slumber-project/slumber/internal/util"
)

// FaviconSize is the edge length clients expect for the server icon.
const FaviconSize = 64

// ErrInvalidFavicon is returned for files that are not PNG images.
var ErrInvalidFavicon = errors.New("favicon is not a valid PNG")

// SessionCounter reports how many tunnelled sessions are active.
type SessionCounter interface {
	ActiveSessions(ctx context.Context) int
}

// Provider builds StatusJSON documents from the status config.
type Provider struct {
	mu      sync.RWMutex
	cfg     config.StatusConfig
	favicon string
	counter SessionCounter
	logger  zerolog.Logger
}

// NewProvider loads the favicon once and returns a Provider. A missing or
// unreadable favicon is logged and left out of responses.
func NewProvider(cfg config.StatusConfig, counter SessionCounter) *Provider {
	p := &Provider{
		cfg:     cfg,
		counter: counter,
		logger:  util.ComponentLogger("status"),
	}
	if cfg.FaviconPath != "" {
		icon, err := LoadFavicon(cfg.FaviconPath)
		if err != nil {
			p.logger.Warn().Err(err).Str("path", cfg.FaviconPath).Msg("favicon not loaded")
		} else {
			p.favicon = icon
		}
	}
	return p
}

// LoadFavicon reads a PNG file and returns it as a data URI.
func LoadFavicon(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read favicon: %w", err)
	}
	return EncodeFavicon(data)
}

// EncodeFavicon validates PNG bytes and returns them as a data URI.
// Icons that are not 64x64 are accepted; most clients scale them.
func EncodeFavicon(data []byte) (string, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidFavicon, err)
	}
	if cfg.Width != FaviconSize || cfg.Height != FaviconSize {
		logger := util.ComponentLogger("status")
		logger.Debug().
			Int("width", cfg.Width).
			Int("height", cfg.Height).
			Msg("favicon is not 64x64")
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}

// Build returns the status document for a client that sent clientProtocol
// in its handshake.
func (p *Provider) Build(ctx context.Context, clientProtocol int32) protocol.StatusJSON {
	p.mu.RLock()
	cfg := p.cfg
	favicon := p.favicon
	p.mu.RUnlock()

	version := cfg.Protocol
	if version == 0 {
		version = clientProtocol
	}

	online := 0
	if cfg.ShowSessions && p.counter != nil {
		online = p.counter.ActiveSessions(ctx)
	}

	return protocol.StatusJSON{
		Version: protocol.Version{
			Name:     cfg.VersionName,
			Protocol: version,
		},
		Players: protocol.Players{
			Max:    cfg.MaxPlayers,
			Online: online,
		},
		Description:        protocol.Description{Text: cfg.MOTD},
		Favicon:            favicon,
		EnforcesSecureChat: cfg.EnforcesSecureChat,
		PreviewsChat:       cfg.PreviewsChat,
	}
}

// Response serializes Build's document into a StatusResponse packet.
func (p *Provider) Response(ctx context.Context, clientProtocol int32) (protocol.StatusResponse, error) {
	doc, err := json.Marshal(p.Build(ctx, clientProtocol))
	if err != nil {
		return protocol.StatusResponse{}, fmt.Errorf("failed to marshal status: %w", err)
	}
	return protocol.StatusResponse{JSON: string(doc)}, nil
}

// MOTD returns the configured message of the day.
func (p *Provider) MOTD() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.MOTD
}

// Update replaces the status config, reloading the favicon if its path
// changed.
func (p *Provider) Update(cfg config.StatusConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cfg.FaviconPath != p.cfg.FaviconPath {
		p.favicon = ""
		if cfg.FaviconPath != "" {
			if icon, err := LoadFavicon(cfg.FaviconPath); err == nil {
				p.favicon = icon
			} else {
				p.logger.Warn().Err(err).Str("path", cfg.FaviconPath).Msg("favicon not loaded")
			}
		}
	}
	p.cfg = cfg
}
