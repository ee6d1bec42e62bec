package probe

// Phase is the state of a Session.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDownloading
	PhaseUploading
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDownloading:
		return "downloading"
	case PhaseUploading:
		return "uploading"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Commands accepted from the peer while the session is idle. Anything else
// is ignored.
const (
	CommandStartDownload = "start_download"
	CommandStartUpload   = "start_upload"

	// PromptSendChunk asks the peer for one upload payload frame.
	PromptSendChunk = "send_chunk"
)
