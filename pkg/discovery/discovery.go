// Package discovery finds toy devices on a local network by probing each
// candidate address for the device info endpoint.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-toy/pkg/core/ident"
)

const (
	DefaultPort        = 80
	DefaultPath        = "/device/info"
	DefaultTimeout     = 2 * time.Second
	DefaultConcurrency = 32
	DefaultMaxHosts    = 1024

	maxInfoBytes = 16 << 10
)

// DeviceInfo is the body a device serves on its info endpoint.
type DeviceInfo struct {
	DeviceID        string `json:"device_id"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	Model           string `json:"model,omitempty"`
}

// Candidate is a host that answered with a well-formed device id.
type Candidate struct {
	Address string        `json:"address"`
	Info    DeviceInfo    `json:"info"`
	Latency time.Duration `json:"latency_ns"`
}

type Options struct {
	Port        int
	Path        string
	Timeout     time.Duration
	Concurrency int
	MaxHosts    int
	Client      *http.Client
	Logger      *slog.Logger
}

// Prober probes hosts concurrently. A zero Options value is usable.
type Prober struct {
	port        int
	path        string
	timeout     time.Duration
	concurrency int
	maxHosts    int
	client      *http.Client
	logger      *slog.Logger
}

func NewProber(opts Options) *Prober {
	p := &Prober{
		port:        opts.Port,
		path:        opts.Path,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		maxHosts:    opts.MaxHosts,
		client:      opts.Client,
		logger:      opts.Logger,
	}
	if p.port <= 0 {
		p.port = DefaultPort
	}
	if p.path == "" {
		p.path = DefaultPath
	}
	if !strings.HasPrefix(p.path, "/") {
		p.path = "/" + p.path
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultConcurrency
	}
	if p.maxHosts <= 0 {
		p.maxHosts = DefaultMaxHosts
	}
	if p.client == nil {
		p.client = &http.Client{}
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	return p
}

// ScanCIDR probes every host address in cidr.
func (p *Prober) ScanCIDR(ctx context.Context, cidr string) ([]Candidate, error) {
	addrs, err := ExpandCIDR(cidr, p.maxHosts)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, len(addrs))
	for i, a := range addrs {
		hosts[i] = a.String()
	}
	return p.Probe(ctx, hosts)
}

// Probe checks each host, which may carry its own port. Hosts that fail to
// answer, answer with an error, or report an invalid device id are skipped.
// An error is returned only when ctx ends before the scan completes.
func (p *Prober) Probe(ctx context.Context, hosts []string) ([]Candidate, error) {
	var (
		mu    sync.Mutex
		found []Candidate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		addr := p.address(host)
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			c, err := p.probeOne(gctx, addr)
			if err != nil {
				p.logger.Debug("probe skipped", "address", addr, "error", err)
				return nil
			}
			mu.Lock()
			found = append(found, c)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sortCandidates(found)
	return found, nil
}

func (p *Prober) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(p.port))
}

func (p *Prober) probeOne(ctx context.Context, addr string) (Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+p.path, nil)
	if err != nil {
		return Candidate{}, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Candidate{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Candidate{}, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInfoBytes))
	if err != nil {
		return Candidate{}, fmt.Errorf("read info: %w", err)
	}
	var info DeviceInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return Candidate{}, fmt.Errorf("decode info: %w", err)
	}
	info.DeviceID = strings.TrimSpace(info.DeviceID)
	if fe := ident.DeviceID.Check("device_id", info.DeviceID); fe != nil {
		return Candidate{}, fmt.Errorf("device id: %s", fe.Msg)
	}
	if info.FirmwareVersion != "" && !ident.FirmwareVersion.Valid(info.FirmwareVersion) {
		info.FirmwareVersion = ""
	}
	return Candidate{Address: addr, Info: info, Latency: time.Since(start)}, nil
}

// ExpandCIDR lists the host addresses of cidr. For IPv4 prefixes shorter
// than /31 the network and broadcast addresses are excluded. Prefixes with
// more than maxHosts addresses are rejected.
func ExpandCIDR(cidr string, maxHosts int) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return nil, fmt.Errorf("invalid cidr %q: %w", cidr, err)
	}
	prefix = prefix.Masked()
	if maxHosts <= 0 {
		maxHosts = DefaultMaxHosts
	}

	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits > 30 || 1<<hostBits > maxHosts+2 {
		return nil, fmt.Errorf("cidr %s is larger than %d hosts", prefix, maxHosts)
	}

	skipEdges := prefix.Addr().Is4() && hostBits >= 2
	var out []netip.Addr
	for a := prefix.Addr(); prefix.Contains(a); a = a.Next() {
		out = append(out, a)
		if !a.Next().IsValid() {
			break
		}
	}
	if skipEdges {
		out = out[1 : len(out)-1]
	}
	if len(out) > maxHosts {
		return nil, fmt.Errorf("cidr %s is larger than %d hosts", prefix, maxHosts)
	}
	return out, nil
}

func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		hi, pi := splitAddress(cs[i].Address)
		hj, pj := splitAddress(cs[j].Address)
		ai, errI := netip.ParseAddr(hi)
		aj, errJ := netip.ParseAddr(hj)
		switch {
		case errI == nil && errJ == nil && ai != aj:
			return ai.Less(aj)
		case (errI != nil || errJ != nil) && hi != hj:
			return hi < hj
		}
		return pi < pj
	})
}

func splitAddress(addr string) (string, int) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	n, _ := strconv.Atoi(port)
	return host, n
}
