package types

import "time"

// Mode selects one of the engine's five execution strategies.
type Mode string

const (
	ModeEphemeral    Mode = "ephemeral"
	ModeCached       Mode = "cached"
	ModeCheckpointed Mode = "checkpointed"
	ModeBranched     Mode = "branched"
	ModePersistent   Mode = "persistent"
)

// CheckpointAction distinguishes the two Checkpointed sub-operations.
type CheckpointAction string

const (
	CheckpointCreate         CheckpointAction = "create"
	CheckpointRestoreAndRun  CheckpointAction = "restore_and_run"
)

// PersistentOp names a lifecycle operation against a long-lived instance.
type PersistentOp string

const (
	PersistentStart      PersistentOp = "start"
	PersistentPause      PersistentOp = "pause"
	PersistentResume     PersistentOp = "resume"
	PersistentStop       PersistentOp = "stop"
	PersistentExposePort PersistentOp = "expose_port"
	PersistentUpload     PersistentOp = "upload_files"
	PersistentExec       PersistentOp = "exec"
)

// Request is what callers hand the engine's run() entry point.
type Request struct {
	Mode Mode

	// Code/env identity — used by Cached mode's fingerprint and by pool
	// acquisition's environment key.
	EnvKey  string            // logical environment identity (template/image + version)
	Code    []byte            // payload to execute, or a reference resolved upstream
	EnvVars map[string]string
	Input   []byte

	// Checkpointed mode.
	CheckpointAction CheckpointAction
	ManifestID       string // restore target, or "" to create fresh

	// Branched mode.
	ParentManifestID string

	// Persistent mode.
	InstanceID string
	Op         PersistentOp
	Port       int    // expose_port
	Files      map[string][]byte // upload_files: path -> content

	Deadline time.Time
}

// Response is the engine's result for a single run().
type Response struct {
	ExitCode   int
	Stdout     []byte
	Stderr     []byte
	ManifestID string // populated when the mode produced a new manifest
	InstanceID string // populated for Persistent/Branched modes
	Port       int    // populated by expose_port
	Duration   time.Duration
	CacheHit   bool
}
