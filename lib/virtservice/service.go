// Package virtservice is the host-side contract of the privileged
// virtualization service: provisioning instance partitions, computing idsig
// files, and creating VMs. Implementations are reached over RPC; see Dial for
// the gRPC transport and the fake subpackage for an in-memory backend.
package virtservice

import (
	"context"
	"io"
	"os"
)

// PartitionType identifies how the service formats a writable partition.
type PartitionType int

const (
	// PartitionTypeInstance is the per-VM instance partition holding identity secrets.
	PartitionTypeInstance PartitionType = 0
)

// DebugLevel is the debug exposure requested for a VM.
type DebugLevel int

const (
	DebugLevelNone DebugLevel = iota
	DebugLevelAppOnly
	DebugLevelFull
)

// VMState is the fine-grained lifecycle state reported by the service.
type VMState int

const (
	VMStateNotStarted VMState = iota
	VMStateStarting
	VMStateStarted
	VMStateReady
	VMStateFinished
	VMStateDead
)

func (s VMState) String() string {
	switch s {
	case VMStateNotStarted:
		return "not_started"
	case VMStateStarting:
		return "starting"
	case VMStateStarted:
		return "started"
	case VMStateReady:
		return "ready"
	case VMStateFinished:
		return "finished"
	case VMStateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// DeathReason explains why a VM died.
type DeathReason int

const (
	// DeathReasonServiceDied means the connection to the service itself was lost.
	DeathReasonServiceDied DeathReason = -1
	DeathReasonInfrastructureError DeathReason = 0
	DeathReasonKilled              DeathReason = 1
	DeathReasonUnknown             DeathReason = 2
	DeathReasonShutdown            DeathReason = 3
	DeathReasonError               DeathReason = 4
	DeathReasonReboot              DeathReason = 5
	DeathReasonCrash               DeathReason = 6
)

func (r DeathReason) String() string {
	switch r {
	case DeathReasonServiceDied:
		return "service_died"
	case DeathReasonInfrastructureError:
		return "infrastructure_error"
	case DeathReasonKilled:
		return "killed"
	case DeathReasonUnknown:
		return "unknown"
	case DeathReasonShutdown:
		return "shutdown"
	case DeathReasonError:
		return "error"
	case DeathReasonReboot:
		return "reboot"
	case DeathReasonCrash:
		return "crash"
	default:
		return "unrecognized"
	}
}

// ErrorCode classifies payload errors reported by the guest.
type ErrorCode int

const (
	ErrorCodeUnknown ErrorCode = iota
	ErrorCodePayloadVerificationFailed
	ErrorCodePayloadChanged
	ErrorCodePayloadInvalidConfig
)

// AppConfig is the parameter structure consumed by CreateVM.
// Files are opened by the caller with the access the service needs:
// APK, IDSig and ExtraIDSigs read-only, InstanceImage read-write.
type AppConfig struct {
	APK           *os.File
	IDSig         *os.File
	ExtraIDSigs   []*os.File
	InstanceImage *os.File

	PayloadConfigPath string
	DebugLevel        DebugLevel
	ProtectedVM       bool
	MemoryMiB         int
	NumCPUs           int
	CPUAffinity       string

	// TaskProfiles is always empty for application VMs.
	TaskProfiles []string
}

// Callback receives lifecycle events for one VM. Methods are invoked on a
// delivery goroutine owned by the transport and must not block for long.
type Callback interface {
	// OnPayloadStarted is called when the payload starts. stream, if non-nil,
	// carries the payload's standard output and must be closed by the receiver.
	OnPayloadStarted(cid int, stream io.ReadCloser)
	OnPayloadReady(cid int)
	OnPayloadFinished(cid int, exitCode int)
	OnError(cid int, code ErrorCode, message string)
	OnDied(cid int, reason DeathReason)
}

// VM is the service's handle to one virtual machine. Dropping the last
// reference with Close tears the VM down without notifying the guest.
type VM interface {
	CID(ctx context.Context) (int, error)
	State(ctx context.Context) (VMState, error)
	Start(ctx context.Context) error
	RegisterCallback(cb Callback) error
	Close() error
}

// Service is the privileged virtualization service.
type Service interface {
	// InitializeWritablePartition formats image as a writable partition of size bytes.
	InitializeWritablePartition(ctx context.Context, image *os.File, size int64, t PartitionType) error

	// CreateOrUpdateIDSig hashes apk and writes the signature into idsig.
	CreateOrUpdateIDSig(ctx context.Context, apk, idsig *os.File) error

	// CreateVM instantiates (but does not start) a VM. Console and log output
	// are written to the given files for as long as the VM lives.
	CreateVM(ctx context.Context, cfg *AppConfig, console, log *os.File) (VM, error)

	// LinkToDeath registers fn to run once if the service becomes unreachable.
	// The returned function removes the registration.
	LinkToDeath(fn func()) (unlink func())
}
