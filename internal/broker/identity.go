package broker

import (
	"fmt"
	"os"
	"strings"

	"github.com/opentee/teec/internal/brokerproto"
)

// mediaCodecMarker and omxSubstitute implement the one product-specific
// identity rewrite the original broker performs unconditionally: a caller
// whose extracted name is exactly the media-codec marker gets rewritten to
// the HIDL OMX service path, since that caller's real cmdline is not a
// meaningful identity.
const (
	mediaCodecMarker = "media.codec"
	omxSubstitute    = "/vendor/bin/hw/android.hardware.media.omx@1.0-service"
)

// Identity is what the broker learned about a connecting CA before it
// decides whether, and as whom, to authenticate it.
type Identity struct {
	UID  uint32
	PID  uint32
	Kind brokerproto.CallerKind
	Name string // executable path, or extracted package name for java CAs
}

// IdentityClassifier assigns a CallerKind to a connecting CA. The broker
// ships a default that always returns CallerKindApp; a product integration
// supplies its own (e.g. consulting a UID allowlist) without this package
// needing to know about it.
type IdentityClassifier interface {
	Classify(uid, pid uint32, name string) brokerproto.CallerKind
}

// DefaultClassifier always reports CallerKindApp; product-specific UID
// tables are out of scope for this package.
type DefaultClassifier struct{}

// Classify implements IdentityClassifier.
func (DefaultClassifier) Classify(uint32, uint32, string) brokerproto.CallerKind {
	return brokerproto.CallerKindApp
}

// TeeGetPkgName reads /proc/<pid>/cmdline and extracts the caller's identity
// name: for an ordinary executable this is the first NUL-terminated argument
// (the executable path); for a java-hosted CA ("java ... -jar
// com.company.app") it is the last non-empty argument instead, since the
// executable path itself ("java") is not a useful identity. A caller whose
// name matches the media-codec marker is substituted with the fixed OMX
// service path.
func TeeGetPkgName(pid uint32) (string, error) {
	path := fmt.Sprintf("/proc/%d/cmdline", pid)

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	name, err := parseCmdline(raw)
	if err != nil {
		return "", err
	}

	if name == mediaCodecMarker {
		return omxSubstitute, nil
	}

	return name, nil
}

// parseCmdline implements the cmdline-parsing rule above. raw is the
// NUL-separated argv captured from /proc/<pid>/cmdline.
func parseCmdline(raw []byte) (string, error) {
	// Trim any trailing NULs the kernel may pad the buffer with.
	trimmed := strings.TrimRight(string(raw), "\x00")
	if trimmed == "" {
		return "", fmt.Errorf("empty cmdline")
	}

	args := strings.Split(trimmed, "\x00")

	first := args[0]
	if !strings.HasSuffix(first, "java") {
		return first, nil
	}

	return args[len(args)-1], nil
}
