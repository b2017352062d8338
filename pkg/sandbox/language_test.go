package sandbox

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, "python", NormalizeLanguage(""))
	assert.Equal(t, "python", NormalizeLanguage("  Python "))
	assert.Equal(t, "javascript", NormalizeLanguage("JavaScript"))
	assert.Equal(t, "c++", NormalizeLanguage("C++"))
}

func TestDefaultRegistryAliases(t *testing.T) {
	registry := DefaultRegistry()

	for _, name := range []string{"js", "TypeScript", "ts", "node"} {
		adapter, ok := registry.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, "javascript", adapter.Key)
		assert.Equal(t, "node", adapter.Runtime)
	}

	html, ok := registry.Lookup("HTML")
	require.True(t, ok)
	assert.Equal(t, KindMarkup, html.Kind)

	_, ok = registry.Lookup("rust")
	assert.False(t, ok)
}

func TestRegistryRegisterIsOpenForExtension(t *testing.T) {
	registry := DefaultRegistry()
	registry.Register(Adapter{Key: "Ruby", Runtime: "ruby", Extension: ".rb"}, "rb")

	adapter, ok := registry.Lookup("rb")
	require.True(t, ok)
	assert.Equal(t, "ruby", adapter.Key)
	assert.Equal(t, []string{"ruby", "main.rb"}, adapter.Command("main.rb"))
}

func TestAdapterCommandIncludesArgs(t *testing.T) {
	adapter, ok := DefaultRegistry().Lookup("python")
	require.True(t, ok)
	assert.Equal(t, []string{"python3", "-u", "main.py"}, adapter.Command("main.py"))
}

func TestJavascriptPreludeEscapesInput(t *testing.T) {
	assert.Equal(t, "globalThis.input_data = \"a\\\"b\\n\";\n", javascriptPrelude("a\"b\n"))
}

func TestPythonSourceKeepsFutureImportsFirst(t *testing.T) {
	adapter, ok := DefaultRegistry().Lookup("python")
	require.True(t, ok)

	cases := map[string]struct {
		code string
		want string
	}{
		"plain": {
			code: "print(input_data)",
			want: "input_data = \"5\"\nprint(input_data)",
		},
		"future import": {
			code: "from __future__ import annotations\nprint(input_data)",
			want: "from __future__ import annotations\ninput_data = \"5\"\nprint(input_data)",
		},
		"docstring and comments": {
			code: "#!/usr/bin/env python3\n\"\"\"Solve it.\n\nTwice.\"\"\"\nfrom __future__ import (\n    annotations,\n)\nx = 1",
			want: "#!/usr/bin/env python3\n\"\"\"Solve it.\n\nTwice.\"\"\"\nfrom __future__ import (\n    annotations,\n)\ninput_data = \"5\"\nx = 1",
		},
		"header without newline": {
			code: "from __future__ import division",
			want: "from __future__ import division\ninput_data = \"5\"\n",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, adapter.Source(tc.code, "5"))
		})
	}
}

func TestMarkupSourceIsUnchanged(t *testing.T) {
	adapter, ok := DefaultRegistry().Lookup("html")
	require.True(t, ok)
	assert.Equal(t, "<h1>hi</h1>", adapter.Source("<h1>hi</h1>", "5"))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2)
	require.Equal(t, 2, pool.Size())

	var running, peak int32
	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			_ = pool.Do(context.Background(), func(context.Context) {
				current := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if current <= old || atomic.CompareAndSwapInt32(&peak, old, current) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPoolDoHonoursCancelledContext(t *testing.T) {
	pool := NewPool(1)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = pool.Do(context.Background(), func(context.Context) {
			close(started)
			<-release
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := pool.Do(ctx, func(context.Context) { called = true })
	close(release)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}
