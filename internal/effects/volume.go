package effects

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/skypro1111/pcm-capture-service/internal/errs"
)

// DefaultVolumeCommand sets the ALSA master volume
const DefaultVolumeCommand = "amixer -q sset Master {pct}%"

// CommandRunner executes argv and returns its combined output
type CommandRunner func(ctx context.Context, argv []string) ([]byte, error)

func execRunner(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
}

// VolumeAction lowers playback while speech is active and restores it afterwards
type VolumeAction struct {
	template      []string
	speechVolume  int
	silenceVolume int
	run           CommandRunner
}

// NewVolumeAction parses the command template; {pct} is replaced by the target level.
// The command is split on whitespace and run without a shell.
func NewVolumeAction(command string, speechVolume, silenceVolume int, run CommandRunner) (*VolumeAction, error) {
	if command == "" {
		command = DefaultVolumeCommand
	}
	template := strings.Fields(command)
	if len(template) == 0 {
		return nil, errs.Configf("volume command is empty")
	}
	if !strings.Contains(command, "{pct}") {
		return nil, errs.Configf("volume command %q has no {pct} placeholder", command)
	}
	for _, v := range []int{speechVolume, silenceVolume} {
		if v < 0 || v > 100 {
			return nil, errs.Configf("volume must be between 0 and 100, got %d", v)
		}
	}
	if run == nil {
		run = execRunner
	}

	return &VolumeAction{
		template:      template,
		speechVolume:  speechVolume,
		silenceVolume: silenceVolume,
		run:           run,
	}, nil
}

func (a *VolumeAction) Name() string { return "volume" }

// Handle sets the speech level on segment start and the silence level on segment end
func (a *VolumeAction) Handle(ctx context.Context, ev Event) error {
	level := a.silenceVolume
	if ev.IsStart() {
		level = a.speechVolume
	}

	argv := a.Command(level)
	out, err := a.run(ctx, argv)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("volume command timed out: %w", ctx.Err())
		}
		return fmt.Errorf("volume command %q failed: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Command expands the template for a volume level
func (a *VolumeAction) Command(level int) []string {
	pct := strconv.Itoa(level)
	argv := make([]string, len(a.template))
	for i, part := range a.template {
		argv[i] = strings.ReplaceAll(part, "{pct}", pct)
	}
	return argv
}
