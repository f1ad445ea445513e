package browser

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestOpen_Primary(t *testing.T) {
	var got string
	o := &Opener{Run: func(u string) error { got = u; return nil }, Log: quiet()}
	require.NoError(t, o.Open("https://accounts.example.com/authorize"))
	assert.Equal(t, "https://accounts.example.com/authorize", got)
}

func TestOpen_Fallback(t *testing.T) {
	var started *exec.Cmd
	o := &Opener{
		Run: func(string) error { return errors.New("no display") },
		LookPath: func(file string) (string, error) {
			if file == "firefox" {
				return "/usr/bin/firefox", nil
			}
			return "", exec.ErrNotFound
		},
		Start: func(cmd *exec.Cmd) error { started = cmd; return nil },
		Log:   quiet(),
	}
	cmd, err := o.command("linux", "https://x.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/firefox", "https://x.example"}, cmd.Args)

	cmd, err = o.command("darwin", "https://x.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"open", "https://x.example"}, cmd.Args)

	_, err = o.command("plan9", "https://x.example")
	assert.ErrorIs(t, err, ErrUnavailable)

	if err := o.Open("https://x.example"); err == nil {
		require.NotNil(t, started)
		assert.Equal(t, "https://x.example", started.Args[len(started.Args)-1])
	} else {
		assert.ErrorIs(t, err, ErrUnavailable)
	}
}

func TestOpen_NoBrowser(t *testing.T) {
	o := &Opener{
		Run:      func(string) error { return errors.New("no display") },
		LookPath: func(string) (string, error) { return "", exec.ErrNotFound },
		Log:      quiet(),
	}
	_, err := o.command("linux", "u")
	assert.ErrorIs(t, err, ErrUnavailable)
}
