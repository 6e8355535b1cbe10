// Package gadget controls the composite USB gadget through its configfs
// files: the UDC binding and the mass storage medium.
package gadget

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Rutomatrix/scriptd/internal/model"

	"golang.org/x/sys/unix"
)

const DefaultUDCClass = "/sys/class/udc"

type Outcome string

const (
	Bound          Outcome = "bound"
	AlreadyBound   Outcome = "already-bound"
	Unbound        Outcome = "unbound"
	AlreadyUnbound Outcome = "already-unbound"
)

// Guard reads and writes the UDC file of a gadget. The bind state is read
// on every call because the kernel or udev may change it. Guard does no
// locking, callers serialize access to the gadget.
type Guard struct {
	udc      string
	udcClass string
}

func NewGuard(udc string) *Guard {
	return &Guard{
		udc:      udc,
		udcClass: DefaultUDCClass,
	}
}

// State returns the controller the gadget is bound to. A missing UDC file
// reads as unbound.
func (g *Guard) State() (model.BindState, error) {
	b, err := os.ReadFile(g.udc)
	if errors.Is(err, fs.ErrNotExist) {
		return model.BindState{}, nil
	}
	if err != nil {
		return model.BindState{}, fmt.Errorf("reading %s: %w", g.udc, err)
	}
	target := strings.TrimSpace(string(b))
	return model.BindState{Bound: target != "", Target: target}, nil
}

// Unbind detaches the gadget from its controller. Unbinding an unbound
// gadget succeeds with AlreadyUnbound.
func (g *Guard) Unbind() (Outcome, error) {
	st, err := g.State()
	if err != nil {
		return "", err
	}
	if !st.Bound {
		return AlreadyUnbound, nil
	}
	err = g.write("")
	if errors.Is(err, model.ErrAlreadyUnbound) {
		return AlreadyUnbound, nil
	}
	if err != nil {
		return "", err
	}
	return Unbound, nil
}

// Bind attaches the gadget to target, or to the only controller of the
// system when target is empty. Binding to the current target succeeds with
// AlreadyBound, a gadget bound elsewhere fails with model.ErrBindFailed.
func (g *Guard) Bind(target string) (Outcome, error) {
	if target == "" {
		var err error
		target, err = g.detect()
		if err != nil {
			return "", err
		}
	}
	st, err := g.State()
	if err != nil {
		return "", err
	}
	if st.Bound {
		if st.Target == target {
			return AlreadyBound, nil
		}
		return "", fmt.Errorf("%w: gadget is bound to %s, not %s", model.ErrBindFailed, st.Target, target)
	}
	if err := g.write(target); err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrBindFailed, err)
	}
	return Bound, nil
}

// Rebind unbinds the gadget and binds it back to the same controller after
// delay, so the host enumerates it again. An unbound gadget is left alone.
func (g *Guard) Rebind(ctx context.Context, delay time.Duration) error {
	st, err := g.State()
	if err != nil || !st.Bound {
		return err
	}
	if _, err := g.Unbind(); err != nil {
		return err
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		// never leave the gadget unbound
		slog.WarnContext(ctx, "rebind interrupted, binding back now", "target", st.Target)
	}
	_, err = g.Bind(st.Target)
	return err
}

func (g *Guard) write(target string) error {
	f, err := os.OpenFile(g.udc, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", g.udc, err)
	}
	_, err = f.WriteString(target + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	// the kernel refuses to unbind a gadget which is not bound
	if target == "" && errors.Is(err, unix.ENODEV) {
		return model.ErrAlreadyUnbound
	}
	if err != nil {
		return fmt.Errorf("writing %q to %s: %w", target, g.udc, err)
	}
	return nil
}

func (g *Guard) detect() (string, error) {
	entries, err := os.ReadDir(g.udcClass)
	if err != nil {
		return "", fmt.Errorf("%w: listing controllers: %w", model.ErrBindFailed, err)
	}
	if len(entries) != 1 {
		return "", fmt.Errorf("%w: %d controllers in %s, configure stack.bind_target", model.ErrBindFailed, len(entries), g.udcClass)
	}
	return entries[0].Name(), nil
}
