package xpack

import (
	"errors"

	"github.com/zhukovaskychina/xpack/internal/blockpage"
	"github.com/zhukovaskychina/xpack/internal/journal"
	"github.com/zhukovaskychina/xpack/internal/sheaf"
)

// Error kinds of §7, tested with errors.Is. I/O failures are returned to the
// caller; the engine does not close itself when one occurs. Open-time
// integrity failures mean the engine refuses to open.
//
// The I/O and corruption kinds are aliases onto sentinels declared in the
// subpackage that actually produces the failure (sheaf, blockpage, journal),
// not independent values, so errors.Is(err, xpack.ErrIORead) succeeds no
// matter which layer the error surfaced from.
//
// ErrFileNotFound from earlier drafts of this list is gone: sheaf.Open always
// opens with os.O_CREATE, so a missing file is created rather than reported,
// and there was no call site that could ever produce a "not found" failure.
var (
	ErrIORead     = sheaf.ErrRead
	ErrIOWrite    = sheaf.ErrWrite
	ErrIOTruncate = sheaf.ErrTruncate
	ErrIOForce    = sheaf.ErrForce
	ErrIOClose    = sheaf.ErrClose
	ErrIOSize     = sheaf.ErrSize

	ErrSignature        = errors.New("xpack: bad file signature")
	ErrShutdown         = errors.New("xpack: unexpected shutdown flag")
	ErrFileSize         = errors.New("xpack: file size inconsistent with header")
	ErrHeaderCorrupt    = errors.New("xpack: header corrupt")
	ErrBlockPageCorrupt = blockpage.ErrCorrupt
	ErrCorrupt          = journal.ErrCorrupt

	ErrFreedAddress = errors.New("xpack: address is free or reserved")
	ErrFreedStatic  = errors.New("xpack: cannot free a static address")
)
