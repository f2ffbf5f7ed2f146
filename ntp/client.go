/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package ntp queries NTP servers for the offset of the local clock.

The daemon treats the result as an opaque proposal, it never disciplines
the clock itself.
*/
package ntp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/codeGROOVE-dev/retry"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// DefaultPort is the NTP service port
const DefaultPort = "123"

var (
	errNoServers   = errors.New("no ntp servers configured")
	errKissOfDeath = errors.New("server sent kiss-o'-death")
)

// Result is one answered query
type Result struct {
	Server string        `json:"server"`
	Offset time.Duration `json:"offset"`
	Delay  time.Duration `json:"delay"`
	// Time is the server time at the moment the reply arrived
	Time time.Time `json:"time"`
}

// Querier asks the network for the time
type Querier interface {
	Query(ctx context.Context) (*Result, error)
}

// Config of a Client
type Config struct {
	Servers  []string
	Timeout  time.Duration
	Attempts uint
	// Backoff is the delay before the first retry
	Backoff time.Duration
	DSCP    int
}

// Client queries servers in order until one answers
type Client struct {
	cfg Config
	now func() time.Time
}

// NewClient returns a Client. Zero values select one attempt and a one second timeout.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Client{cfg: cfg, now: time.Now}
}

// Query returns the first answer, retrying the whole server list with backoff
func (c *Client) Query(ctx context.Context) (*Result, error) {
	if len(c.cfg.Servers) == 0 {
		return nil, errNoServers
	}
	var res *Result
	err := retry.Do(
		func() error {
			var errs []error
			for _, server := range c.cfg.Servers {
				r, err := c.exchange(ctx, server)
				if err == nil {
					res = r
					return nil
				}
				log.Debugf("ntp query to %s failed: %v", server, err)
				errs = append(errs, fmt.Errorf("%s: %w", server, err))
			}
			return errors.Join(errs...)
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.Backoff),
		retry.MaxDelay(time.Minute),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Warningf("ntp query attempt %d failed: %v", n+1, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("querying ntp servers: %w", err)
	}
	return res, nil
}

func hostPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, DefaultPort)
}

func (c *Client) exchange(ctx context.Context, server string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", hostPort(server))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	if c.cfg.DSCP != 0 {
		if err := setDSCP(conn, c.cfg.DSCP); err != nil {
			log.Warningf("failed to set dscp %d: %v", c.cfg.DSCP, err)
		}
	}

	t1 := c.now()
	req := &Packet{Settings: clientSettings}
	req.TxTimeSec, req.TxTimeFrac = Time(t1)
	b, err := req.Bytes()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(b); err != nil {
		return nil, err
	}
	buf := make([]byte, PacketSizeBytes)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	t4 := c.now()
	if n < PacketSizeBytes {
		return nil, fmt.Errorf("short reply of %d bytes", n)
	}
	resp, err := BytesToPacket(buf)
	if err != nil {
		return nil, err
	}
	if err := validate(req, resp); err != nil {
		return nil, err
	}
	t2 := Unix(resp.RxTimeSec, resp.RxTimeFrac)
	t3 := Unix(resp.TxTimeSec, resp.TxTimeFrac)
	offset := Offset(t1, t2, t3, t4)
	return &Result{
		Server: server,
		Offset: offset,
		Delay:  RoundTripDelay(t1, t2, t3, t4),
		Time:   t4.Add(offset),
	}, nil
}

func validate(req, resp *Packet) error {
	if resp.Mode() != modeServer {
		return fmt.Errorf("unexpected mode %d", resp.Mode())
	}
	if resp.Stratum == 0 {
		return errKissOfDeath
	}
	if resp.Leap() == liAlarmCondition {
		return errors.New("server clock is not synchronized")
	}
	if resp.OrigTimeSec != req.TxTimeSec || resp.OrigTimeFrac != req.TxTimeFrac {
		return errors.New("origin timestamp does not match request")
	}
	return nil
}

func setDSCP(conn net.Conn, dscp int) error {
	addr, ok := conn.RemoteAddr().(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("unexpected address %v", conn.RemoteAddr())
	}
	if addr.IP.To4() != nil {
		return ipv4.NewConn(conn).SetTOS(dscp << 2)
	}
	return ipv6.NewConn(conn).SetTrafficClass(dscp << 2)
}
