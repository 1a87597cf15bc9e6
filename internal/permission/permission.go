// Package permission decides whether the client may use the camera and the
// photo gallery before an image is acquired.
package permission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Kinds selects the capabilities being requested
type Kinds struct {
	Camera  bool
	Gallery bool
}

// Scope names which requested capabilities were denied
type Scope int

const (
	ScopeNone Scope = iota
	ScopeCamera
	ScopeGallery
	ScopeBoth
)

func (s Scope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeCamera:
		return "camera"
	case ScopeGallery:
		return "gallery"
	case ScopeBoth:
		return "camera and gallery"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// Result is the outcome of a permission request
type Result struct {
	Requested Kinds
	Denied    Scope
}

// Granted reports whether every requested capability was granted
func (r Result) Granted() bool {
	return r.Denied == ScopeNone
}

// Gate defines the interface for permission prompts
type Gate interface {
	// RequestAccess asks for the given capabilities. It may block on a user prompt.
	RequestAccess(ctx context.Context, kinds Kinds) (Result, error)
}

// NewResult builds a Result from per-capability answers. Answers for
// capabilities that were not requested are ignored.
func NewResult(kinds Kinds, cameraOK, galleryOK bool) Result {
	cameraDenied := kinds.Camera && !cameraOK
	galleryDenied := kinds.Gallery && !galleryOK

	denied := ScopeNone
	switch {
	case cameraDenied && galleryDenied:
		denied = ScopeBoth
	case cameraDenied:
		denied = ScopeCamera
	case galleryDenied:
		denied = ScopeGallery
	}
	return Result{Requested: kinds, Denied: denied}
}

// StaticGate answers from fixed configuration
type StaticGate struct {
	Camera  bool
	Gallery bool
}

// RequestAccess implements Gate
func (g StaticGate) RequestAccess(ctx context.Context, kinds Kinds) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return NewResult(kinds, g.Camera, g.Gallery), nil
}

// PromptGate asks on a terminal and remembers grants for the rest of the
// session, the way a mobile OS only shows its dialog once.
type PromptGate struct {
	in  *bufio.Reader
	out io.Writer

	mu      sync.Mutex
	granted map[string]bool
}

// NewPromptGate creates a PromptGate reading answers from in
func NewPromptGate(in io.Reader, out io.Writer) *PromptGate {
	return &PromptGate{
		in:      bufio.NewReader(in),
		out:     out,
		granted: make(map[string]bool),
	}
}

// RequestAccess implements Gate
func (g *PromptGate) RequestAccess(ctx context.Context, kinds Kinds) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cameraOK, galleryOK := true, true
	var err error
	if kinds.Camera {
		if cameraOK, err = g.ask(ctx, "camera"); err != nil {
			return Result{}, err
		}
	}
	if kinds.Gallery {
		if galleryOK, err = g.ask(ctx, "photo gallery"); err != nil {
			return Result{}, err
		}
	}
	return NewResult(kinds, cameraOK, galleryOK), nil
}

func (g *PromptGate) ask(ctx context.Context, what string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if g.granted[what] {
		return true, nil
	}

	fmt.Fprintf(g.out, "Allow leafscan to access the %s? [y/N] ", what)
	line, err := g.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("reading %s permission answer: %w", what, err)
	}

	answer := strings.ToLower(strings.TrimSpace(line))
	ok := answer == "y" || answer == "yes"
	if ok {
		g.granted[what] = true
	}
	return ok, nil
}
