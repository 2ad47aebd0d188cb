package pactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionHandleCompleteFiresOnce(t *testing.T) {
	fr := &fakeResponder{}
	h := newCompletionHandle(fr, 9)

	h.Complete(1)
	h.Complete(2)
	h.SetError("late")

	require.Equal(t, 1, fr.called)
	assert.Equal(t, 1, fr.result)
	assert.Nil(t, fr.err)
}

func TestCompletionHandleSetErrorDefaultsToErrorDuringCall(t *testing.T) {
	fr := &fakeResponder{}
	h := newCompletionHandle(fr, 9)

	h.SetError()

	require.NotNil(t, fr.err)
	assert.Equal(t, msgErrorDuringCall, fr.err.Message)
}

func TestCompletionHandleDropSynthesizesNoResult(t *testing.T) {
	fr := &fakeResponder{}
	h := newCompletionHandle(fr, 9)

	h.Drop()

	require.NotNil(t, fr.err)
	assert.Equal(t, msgNoResult, fr.err.Message)
}

func TestCompletionHandleDropAfterCompleteIsNoop(t *testing.T) {
	fr := &fakeResponder{}
	h := newCompletionHandle(fr, 9)

	h.Complete("done")
	h.Drop()

	assert.Equal(t, 1, fr.called)
	assert.Equal(t, "done", fr.result)
}
