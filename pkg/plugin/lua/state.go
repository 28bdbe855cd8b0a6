package lua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// DefaultCallTimeout bounds a single call into Lua code
const DefaultCallTimeout = 5 * time.Second

// ErrStateClosed is returned when calling into a closed state
var ErrStateClosed = errors.New("lua state is closed")

// state wraps an LState. LState is not goroutine safe, so every call
// holds mu for its whole duration.
type state struct {
	L       *lua.LState
	logger  zerolog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newState(logger zerolog.Logger, timeout time.Duration) *state {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	s := &state{
		L:       L,
		logger:  logger,
		timeout: timeout,
	}
	openSafeLibraries(L)
	s.installSandbox()
	return s
}

// openSafeLibraries opens the libraries that cannot reach the host
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (s *state) installSandbox() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.L.SetGlobal("print", s.L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		s.logger.Info().Msg(strings.Join(parts, "\t"))
		return 0
	}))
}

// exec runs an entry file and returns its single result
func (s *state) exec(ctx context.Context, path string) (lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStateClosed
	}

	fn, err := s.L.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", path, err)
	}

	results, err := s.pcallLocked(ctx, fn)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return lua.LNil, nil
	}
	return results[0], nil
}

// call invokes fn with args and returns every value it produced
func (s *state) call(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStateClosed
	}
	return s.pcallLocked(ctx, fn, args...)
}

func (s *state) pcallLocked(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) (results []lua.LValue, err error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	top := s.L.GetTop()
	defer func() {
		if r := recover(); r != nil {
			s.L.SetTop(top)
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(arg)
	}
	if err := s.L.PCall(len(args), lua.MultRet, nil); err != nil {
		s.L.SetTop(top)
		return nil, luaError(err)
	}

	n := s.L.GetTop() - top
	results = make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		results[i] = s.L.Get(top + i + 1)
	}
	s.L.SetTop(top)
	return results, nil
}

// locked runs fn while holding the state lock
func (s *state) locked(fn func(L *lua.LState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	fn(s.L)
	return nil
}

func (s *state) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.L.Close()
	return nil
}

// luaError strips the Lua traceback from script errors
func luaError(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return errors.New(apiErr.Object.String())
	}
	return err
}
