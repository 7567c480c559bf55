package changestream

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func anchorsOf(t *testing.T, state *resumeState, scope Scope, opts *Options, wire int32) map[string]interface{} {
	t.Helper()
	stage := changeStreamStage(scope, opts, state, wire)
	spec, ok := stage[0].Value.(bson.D)
	require.True(t, ok)
	anchors := map[string]interface{}{}
	for _, element := range spec {
		anchors[element.Key] = element.Value
	}
	return anchors
}

func TestAnchorSelection(t *testing.T) {
	scope := CollectionScope("db", "coll")
	ts := &primitive.Timestamp{T: 5, I: 1}

	t.Run("no state renders no anchor", func(t *testing.T) {
		opts := &Options{}
		state := newResumeState(opts)
		anchors := anchorsOf(t, state, scope, opts, 9)
		require.NotContains(t, anchors, "resumeAfter")
		require.NotContains(t, anchors, "startAfter")
		require.NotContains(t, anchors, "startAtOperationTime")
	})

	t.Run("user startAfter sticks until first event", func(t *testing.T) {
		token := mustRaw(t, bson.D{{Key: "_data", Value: "user"}})
		opts := &Options{StartAfter: token}
		state := newResumeState(opts)
		require.Equal(t, token, anchorsOf(t, state, scope, opts, 9)["startAfter"])

		fresh := mustRaw(t, bson.D{{Key: "_data", Value: "fresh"}})
		require.True(t, state.advanceTo(fresh))
		state.markReceived()
		anchors := anchorsOf(t, state, scope, opts, 9)
		require.Equal(t, fresh, anchors["resumeAfter"])
		require.NotContains(t, anchors, "startAfter")
	})

	t.Run("user resumeAfter renders as resumeAfter immediately", func(t *testing.T) {
		token := mustRaw(t, bson.D{{Key: "_data", Value: "user"}})
		opts := &Options{ResumeAfter: token}
		state := newResumeState(opts)
		anchors := anchorsOf(t, state, scope, opts, 9)
		require.Equal(t, token, anchors["resumeAfter"])
		require.NotContains(t, anchors, "startAfter")
	})

	t.Run("operation time used only without token and on wire 7+", func(t *testing.T) {
		opts := &Options{}
		state := newResumeState(opts)
		state.captureOperationTime(ts, 8)
		require.Equal(t, *ts, anchorsOf(t, state, scope, opts, 8)["startAtOperationTime"])
		require.NotContains(t, anchorsOf(t, state, scope, opts, 6), "startAtOperationTime")

		token := mustRaw(t, bson.D{{Key: "_data", Value: "tok"}})
		require.True(t, state.advanceTo(token))
		anchors := anchorsOf(t, state, scope, opts, 8)
		require.Equal(t, token, anchors["resumeAfter"])
		require.NotContains(t, anchors, "startAtOperationTime")
	})
}

func TestOperationTimeCaptureIsGuarded(t *testing.T) {
	ts := &primitive.Timestamp{T: 5, I: 1}

	state := newResumeState(&Options{})
	state.captureOperationTime(ts, 6)
	require.Nil(t, state.startAtOperationTime)

	state = newResumeState(&Options{StartAfter: mustRaw(t, bson.D{{Key: "_data", Value: "a"}})})
	state.captureOperationTime(ts, 9)
	require.Nil(t, state.startAtOperationTime)

	state = newResumeState(&Options{StartAtOperationTime: &primitive.Timestamp{T: 1}})
	state.captureOperationTime(ts, 9)
	require.Equal(t, uint32(1), state.startAtOperationTime.T)

	state = newResumeState(&Options{})
	state.captureOperationTime(ts, 9)
	require.Equal(t, ts, state.startAtOperationTime)
}

func TestMarkReceivedDropsOperationTime(t *testing.T) {
	state := newResumeState(&Options{})
	state.captureOperationTime(&primitive.Timestamp{T: 5}, 9)
	require.NotNil(t, state.startAtOperationTime)
	state.markReceived()
	require.Nil(t, state.startAtOperationTime)
	require.True(t, state.hasReceived)
}

func TestAdvanceToIgnoresEmptyAndEqualTokens(t *testing.T) {
	state := newResumeState(&Options{})
	require.False(t, state.advanceTo(nil))
	token := mustRaw(t, bson.D{{Key: "_data", Value: "a"}})
	require.True(t, state.advanceTo(token))
	require.False(t, state.advanceTo(token))
	require.Equal(t, token, state.token())
}
