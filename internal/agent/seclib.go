package agent

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/opentee/teec/internal/logger"
	"github.com/opentee/teec/teec"
)

// SecLibAgentID is the registered agent id the secure file load channel
// uses, matching SECFILE_LOAD_AGENT_ID.
const SecLibAgentID = 0x5345434c // "SECL"

// SecLibControlBufSize mirrors the other channels' fixed buffer size.
const SecLibControlBufSize = 4096

// FileType selects whether a streamed image is a trusted application or a
// driver library, matching the original's enum SecFileType.
type FileType uint32

const (
	FileTypeTA FileType = iota
	FileTypeLib
)

// secLibExtension is the one extension the loader accepts, enforced on the
// resolved real path exactly like the original's realpath+suffix check.
const secLibExtension = ".sec"

// SecLibAgent streams a TA or driver library image into the driver via
// LOAD_APP/LOAD_LIB after validating the requested path resolves under an
// allowed root and carries the required extension.
type SecLibAgent struct {
	driver    *teec.Driver
	allowRoot string
	log       logger.Logger
}

// NewSecLibAgent restricts loads to files whose realpath falls under
// allowRoot, the canonical-prefix validation the original hardcodes against
// DYNAMIC_TA_PATH.
func NewSecLibAgent(allowRoot string) *SecLibAgent {
	return &SecLibAgent{
		allowRoot: allowRoot,
		log:       logger.AddContext(logger.Ctx{"agent": "seclib"}),
	}
}

// Register registers the seclib channel on driver, which must already be
// open on the private device.
func (a *SecLibAgent) Register(driver *teec.Driver) (*Channel, error) {
	a.driver = driver
	return Open(driver, "seclib", SecLibAgentID, SecLibControlBufSize, a.Dispatch)
}

// request layout: fileType(4) uuid(16) pathLen(4) path(pathLen)
const secLibRequestHeader = 4 + 16 + 4

func (a *SecLibAgent) Dispatch(control []byte) []byte {
	if len(control) < secLibRequestHeader {
		return fail(control)
	}

	fileType := FileType(binary.LittleEndian.Uint32(control[0:4]))

	var id [16]byte
	copy(id[:], control[4:20])

	pathLen := binary.LittleEndian.Uint32(control[20:24])
	if secLibRequestHeader+int(pathLen) > len(control) {
		return fail(control)
	}

	path := string(control[secLibRequestHeader : secLibRequestHeader+int(pathLen)])

	if err := a.load(path, fileType, id); err != nil {
		a.log.Warn("secfile load failed", logger.Ctx{"path": path, "error": err.Error()})
		return fail(control)
	}

	out := make([]byte, len(control))
	copy(out, control)
	binary.LittleEndian.PutUint32(out[0:4], 0)

	return out
}

func fail(control []byte) []byte {
	out := make([]byte, len(control))
	copy(out, control)

	if len(out) >= 4 {
		binary.LittleEndian.PutUint32(out[0:4], 0xffffffff)
	}

	return out
}

func (a *SecLibAgent) load(path string, fileType FileType, id [16]byte) error {
	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("resolve real path: %w", err)
	}

	if !strings.HasSuffix(realPath, secLibExtension) {
		return fmt.Errorf("rejected suffix of %q", realPath)
	}

	if !strings.HasPrefix(realPath, a.allowRoot) {
		return fmt.Errorf("rejected path %q outside %q", realPath, a.allowRoot)
	}

	image, err := os.ReadFile(realPath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	return a.driver.LoadApp(uint32(fileType), id, image)
}

// isTaLib reports whether id is non-zero, mirroring the original's IsTaLib:
// an all-zero UUID means "load as a driver library with no TA identity".
func isTaLib(id uuid.UUID) bool {
	return id != uuid.Nil
}
