package route

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	name string
	args []string
}

func fakeRunner(out string, err error, calls *[]recordedCall) Runner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, recordedCall{name: name, args: args})
		return []byte(out), err
	}
}

func TestIPRoute_AddBuildsCommand(t *testing.T) {
	var calls []recordedCall
	r := NewIPRoute("10.0.0.1", "eth1", fakeRunner("", nil, &calls))

	require.NoError(t, r.AddRoute(context.Background(), "10.2.0.5"))
	require.Len(t, calls, 1)
	assert.Equal(t, "ip", calls[0].name)
	assert.Equal(t, []string{"route", "add", "10.2.0.5/32", "via", "10.0.0.1", "dev", "eth1"}, calls[0].args)
}

func TestIPRoute_StripsPort(t *testing.T) {
	var calls []recordedCall
	r := NewIPRoute("", "eth0", fakeRunner("", nil, &calls))

	require.NoError(t, r.DeleteRoute(context.Background(), "10.2.0.5:7070"))
	assert.Equal(t, []string{"route", "del", "10.2.0.5/32", "dev", "eth0"}, calls[0].args)
}

func TestIPRoute_Idempotent(t *testing.T) {
	var calls []recordedCall
	exitErr := errors.New("exit status 2")

	add := NewIPRoute("10.0.0.1", "", fakeRunner("RTNETLINK answers: File exists", exitErr, &calls))
	assert.NoError(t, add.AddRoute(context.Background(), "10.2.0.5"))

	del := NewIPRoute("10.0.0.1", "", fakeRunner("RTNETLINK answers: No such process", exitErr, &calls))
	assert.NoError(t, del.DeleteRoute(context.Background(), "10.2.0.5"))
}

func TestIPRoute_Failure(t *testing.T) {
	var calls []recordedCall
	r := NewIPRoute("10.0.0.1", "", fakeRunner("RTNETLINK answers: Operation not permitted", errors.New("exit status 2"), &calls))

	err := r.AddRoute(context.Background(), "10.2.0.5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Operation not permitted")
}

func TestIPRoute_RejectsHostname(t *testing.T) {
	var calls []recordedCall
	r := NewIPRoute("10.0.0.1", "", fakeRunner("", nil, &calls))

	assert.Error(t, r.AddRoute(context.Background(), "cell-a.example"))
	assert.Empty(t, calls)
}

func TestIPRoute_IPv6Prefix(t *testing.T) {
	var calls []recordedCall
	r := NewIPRoute("", "eth0", fakeRunner("", nil, &calls))

	require.NoError(t, r.AddRoute(context.Background(), "fd00::5"))
	assert.Equal(t, "fd00::5/128", calls[0].args[2])
}
