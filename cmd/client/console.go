package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/stv0g/pion-mesh/pkg"
	"github.com/stv0g/pion-mesh/pkg/media"
	"github.com/stv0g/pion-mesh/pkg/mesh"
)

// controls is the part of the engine driven from the console.
type controls interface {
	ToggleMic() bool
	ToggleCam() bool
	ToggleScreenShare(ctx context.Context) (bool, error)
	Participants() map[pkg.ParticipantID]mesh.RemoteParticipant
	State() media.State
}

type console struct {
	controls controls
	received *receivedBytes
	out      io.Writer
}

const help = `Commands:
  mic      toggle the microphone
  cam      toggle the camera
  screen   start or stop sharing the screen
  peers    list the connected participants
  state    show the local media state
  quit     leave the room`

// run reads commands from in until it is exhausted or quit is entered.
func (c *console) run(ctx context.Context, in io.Reader) {
	s := bufio.NewScanner(in)
	for s.Scan() {
		if c.handle(ctx, s.Text()) {
			return
		}
	}
}

// handle executes one command line and reports whether to quit.
func (c *console) handle(ctx context.Context, line string) bool {
	switch cmd := strings.TrimSpace(line); cmd {
	case "":

	case "mic":
		fmt.Fprintf(c.out, "microphone %s\n", onOff(c.controls.ToggleMic()))

	case "cam":
		fmt.Fprintf(c.out, "camera %s\n", onOff(c.controls.ToggleCam()))

	case "screen":
		sharing, err := c.controls.ToggleScreenShare(ctx)
		if err != nil {
			fmt.Fprintf(c.out, "screen share failed: %s\n", err)
			break
		}
		fmt.Fprintf(c.out, "screen share %s\n", onOff(sharing))

	case "peers":
		c.peers()

	case "state":
		st := c.controls.State()
		fmt.Fprintf(c.out, "microphone %s, camera %s, screen share %s\n",
			onOff(st.MicEnabled), onOff(st.CamEnabled), onOff(st.ScreenSharing))
		if st.CaptureError != nil {
			fmt.Fprintf(c.out, "capture failed: %s\n", st.CaptureError)
		}

	case "quit", "exit":
		return true

	case "help":
		fmt.Fprintln(c.out, help)

	default:
		fmt.Fprintf(c.out, "unknown command: %s\n", cmd)
	}

	return false
}

func (c *console) peers() {
	ps := c.controls.Participants()
	if len(ps) == 0 {
		fmt.Fprintln(c.out, "no peers")
		return
	}

	ids := []pkg.ParticipantID{}
	for id := range ps {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Less(ids[j])
	})

	for _, id := range ids {
		p := ps[id]

		name := p.DisplayName
		if name == "" {
			name = "-"
		}

		tracks := 0
		if p.Stream != nil {
			tracks = len(p.Stream.Tracks())
		}

		fmt.Fprintf(c.out, "%s %s tracks=%d bytes=%d\n", id, name, tracks, c.received.Get(id))
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
