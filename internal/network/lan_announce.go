package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// LANMulticastAddr is the group clients watch for "Open to LAN" servers.
const LANMulticastAddr = "224.0.2.60:4445"

// LANAnnouncer periodically advertises the proxy to clients on the local
// network, so it shows up in their server list without being added by hand.
type LANAnnouncer struct {
	target   string
	port     int
	interval time.Duration
	motd     func() string
}

// NewLANAnnouncer creates an announcer for the proxy listening on port.
// motd is called for every announcement so MOTD changes are picked up.
func NewLANAnnouncer(port int, interval time.Duration, motd func() string) *LANAnnouncer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &LANAnnouncer{
		target:   LANMulticastAddr,
		port:     port,
		interval: interval,
		motd:     motd,
	}
}

// AnnouncementPayload formats one announcement datagram.
func AnnouncementPayload(motd string, port int) []byte {
	return []byte(fmt.Sprintf("[MOTD]%s[/MOTD][AD]%d[/AD]", motd, port))
}

// Start sends announcements until ctx is cancelled.
func (a *LANAnnouncer) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", a.target)
	if err != nil {
		return fmt.Errorf("failed to resolve LAN announce address %s: %w", a.target, err)
	}

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("failed to open LAN announce socket: %w", err)
	}
	defer conn.Close()

	log.Info().
		Str("group", a.target).
		Int("port", a.port).
		Dur("interval", a.interval).
		Msg("LAN announcer started")

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	failures := 0
	for {
		if _, err := conn.Write(AnnouncementPayload(a.motd(), a.port)); err != nil {
			failures++
			// one warning per streak, the network may simply be down
			if failures == 1 {
				log.Warn().Err(err).Msg("failed to send LAN announcement")
			}
		} else {
			if failures > 0 {
				log.Info().Int("failed", failures).Msg("LAN announcements recovered")
			}
			failures = 0
			log.Trace().Msg("LAN announcement sent")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("LAN announcer stopping")
			return nil
		case <-ticker.C:
		}
	}
}
