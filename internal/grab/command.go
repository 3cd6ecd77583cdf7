package grab

import (
	"path/filepath"
	"strconv"
)

// TargetKind says where capture bytes go before reaching the client.
type TargetKind int

const (
	// TargetStreaming copies stdout chunks straight into the response.
	TargetStreaming TargetKind = iota
	// TargetStaging lets the process write a file that is served on exit.
	TargetStaging
)

func (k TargetKind) String() string {
	if k == TargetStaging {
		return "staging"
	}
	return "streaming"
}

// OutputTarget is either the response stream or a staging file.
type OutputTarget struct {
	Kind TargetKind
	Path string // staging file, empty when streaming
}

// Command is a fully resolved process invocation for one capture.
type Command struct {
	Path   string
	Args   []string
	Target OutputTarget
}

// Options describe the box the captures run on. They are fixed at startup.
type Options struct {
	GrabPath     string
	PanelCommand string
	LcdDumpPath  string
	StagingDir   string
	JpegQuality  int

	// Staging makes every capture write to a file first. Set on platforms
	// whose capture binary cannot stream to stdout.
	Staging bool
}

// StagingPath is the fixed staging file for a format.
func (o Options) StagingPath(f Format) string {
	return filepath.Join(o.StagingDir, "screenshot."+f.Extension())
}

// BuildCommand maps a request onto the capture binary's flag grammar. The
// result depends only on its inputs.
func BuildCommand(req Request, opts Options) Command {
	if req.Source == SourcePanel {
		staging := opts.StagingPath(FormatPNG)
		return Command{
			Path:   opts.PanelCommand,
			Args:   []string{opts.LcdDumpPath, staging},
			Target: OutputTarget{Kind: TargetStaging, Path: staging},
		}
	}

	var args []string
	if !opts.Staging {
		args = append(args, "-q", "-s")
	}

	switch req.Format {
	case FormatJPEG:
		args = append(args, "-j", strconv.Itoa(opts.JpegQuality))
	case FormatPNG:
		args = append(args, "-p")
	}

	if req.Scale > 0 {
		args = append(args, "-r", strconv.Itoa(req.Scale))
	}

	switch req.Source {
	case SourceOSD:
		args = append(args, "-o")
	case SourceVideo:
		args = append(args, "-v")
	case SourcePiP:
		args = append(args, "-v")
		if req.PipSubIndex > 0 {
			args = append(args, "-i", strconv.Itoa(req.PipSubIndex))
		}
	}

	if !opts.Staging {
		return Command{
			Path:   opts.GrabPath,
			Args:   args,
			Target: OutputTarget{Kind: TargetStreaming},
		}
	}

	staging := opts.StagingPath(req.Format)
	return Command{
		Path:   opts.GrabPath,
		Args:   append(args, staging),
		Target: OutputTarget{Kind: TargetStaging, Path: staging},
	}
}
