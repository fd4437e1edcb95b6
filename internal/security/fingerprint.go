package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Fingerprinter identifies the current device. License records are bound to
// the fingerprint so a copied store does not activate another machine.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// StaticFingerprint is a Fingerprinter returning a fixed value
type StaticFingerprint string

// Fingerprint implements Fingerprinter
func (s StaticFingerprint) Fingerprint(context.Context) (string, error) {
	return string(s), nil
}

// DeviceFingerprint holds the factors a fingerprint was derived from
type DeviceFingerprint struct {
	Fingerprint string    `json:"fingerprint"`
	Hostname    string    `json:"hostname"`
	MACAddress  string    `json:"mac_address"`
	CPUID       string    `json:"cpu_id"`
	OS          string    `json:"os"`
	Platform    string    `json:"platform"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FingerprintManager derives the device fingerprint from hardware factors and
// caches it.
type FingerprintManager struct {
	logger        *slog.Logger
	cache         *DeviceFingerprint
	cacheMutex    sync.RWMutex
	cacheExpiry   time.Time
	cacheDuration time.Duration

	// factor sources, replaceable in tests
	macAddress func() (string, error)
	hostname   func() (string, error)
	cpuID      func() (string, error)
}

// NewFingerprintManager creates a fingerprint manager caching for one hour
func NewFingerprintManager(logger *slog.Logger) *FingerprintManager {
	if logger == nil {
		logger = slog.Default()
	}
	fm := &FingerprintManager{
		logger:        logger.With(slog.String("component", "fingerprint")),
		cacheDuration: time.Hour,
	}
	fm.macAddress = primaryMACAddress
	fm.hostname = normalizedHostname
	fm.cpuID = cpuIdentifier
	return fm
}

// Fingerprint implements Fingerprinter
func (fm *FingerprintManager) Fingerprint(ctx context.Context) (string, error) {
	fp, err := fm.Generate(ctx)
	if err != nil {
		return "", err
	}
	return fp.Fingerprint, nil
}

// Generate returns the cached fingerprint or derives a new one
func (fm *FingerprintManager) Generate(ctx context.Context) (*DeviceFingerprint, error) {
	fm.cacheMutex.RLock()
	if fm.cache != nil && time.Now().Before(fm.cacheExpiry) {
		cached := *fm.cache
		fm.cacheMutex.RUnlock()
		return &cached, nil
	}
	fm.cacheMutex.RUnlock()

	macAddr, err := fm.macAddress()
	if err != nil {
		macAddr = "unknown-mac"
		fm.logger.WarnContext(ctx, "failed to get MAC address, using fallback", slog.String("error", err.Error()))
	}

	hostname, err := fm.hostname()
	if err != nil {
		hostname = "unknown-host"
		fm.logger.WarnContext(ctx, "failed to get hostname, using fallback", slog.String("error", err.Error()))
	}

	cpuID, err := fm.cpuID()
	if err != nil {
		cpuID = "unknown-cpu"
		fm.logger.WarnContext(ctx, "failed to get CPU ID, using fallback", slog.String("error", err.Error()))
	}

	factors := []string{macAddr, hostname, cpuID, runtime.GOOS, runtime.GOARCH}
	hash := sha256.Sum256([]byte(strings.Join(factors, "|")))

	fp := &DeviceFingerprint{
		Fingerprint: hex.EncodeToString(hash[:]),
		Hostname:    hostname,
		MACAddress:  macAddr,
		CPUID:       cpuID,
		OS:          runtime.GOOS,
		Platform:    runtime.GOARCH,
		GeneratedAt: time.Now(),
	}

	fm.cacheMutex.Lock()
	fm.cache = fp
	fm.cacheExpiry = time.Now().Add(fm.cacheDuration)
	fm.cacheMutex.Unlock()

	fm.logger.DebugContext(ctx, "device fingerprint generated",
		slog.String("fingerprint", fp.Fingerprint[:12]),
		slog.String("os", fp.OS),
		slog.String("platform", fp.Platform),
	)

	out := *fp
	return &out, nil
}

// ClearCache drops the cached fingerprint
func (fm *FingerprintManager) ClearCache() {
	fm.cacheMutex.Lock()
	defer fm.cacheMutex.Unlock()
	fm.cache = nil
	fm.cacheExpiry = time.Time{}
}

// primaryMACAddress returns the first up, non-loopback interface address,
// falling back to any interface with a hardware address.
func primaryMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

func normalizedHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// cpuIdentifier returns a short hash of OS-specific processor information
func cpuIdentifier() (string, error) {
	var raw string
	switch runtime.GOOS {
	case "windows":
		raw = os.Getenv("PROCESSOR_IDENTIFIER")
		if raw == "" {
			raw = "windows-" + runtime.GOARCH + "-" + os.Getenv("PROCESSOR_ARCHITECTURE")
		}
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") || strings.HasPrefix(line, "cpu family") {
					raw = line
					break
				}
			}
		}
		if raw == "" {
			raw = "linux-" + runtime.GOARCH
		}
	case "darwin":
		raw = "darwin-" + runtime.GOARCH
		if procType := os.Getenv("HOSTTYPE"); procType != "" {
			raw += "-" + procType
		}
	default:
		raw = runtime.GOOS + "-" + runtime.GOARCH
	}

	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:8]), nil
}
