package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobSettingValidate(t *testing.T) {
	ok := JobSetting{StartTimeout: time.Second, TestTimeout: 2 * time.Second, OverallTimeout: 3 * time.Second}
	assert.NoError(t, ok.Validate())

	bad := JobSetting{StartTimeout: time.Second, TestTimeout: 2 * time.Second, OverallTimeout: time.Second}
	assert.Error(t, bad.Validate())
}

func TestTestStatusMonotonic(t *testing.T) {
	now := time.Now()
	test := &Test{Status: TestStatusNew}

	assert.True(t, test.SetStatus(TestStatusWaitingAllocation, now))
	assert.True(t, test.SetStatus(TestStatusAssigned, now))
	assert.True(t, test.SetStatus(TestStatusRunning, now))
	assert.True(t, test.SetStatus(TestStatusDone, now))

	// no reverse transitions
	assert.False(t, test.SetStatus(TestStatusRunning, now))

	// DONE -> DONE is idempotent
	assert.True(t, test.SetStatus(TestStatusDone, now))
	assert.Equal(t, TestStatusDone, test.Status)
}

func TestTestStatusRejectsSkippingAhead(t *testing.T) {
	now := time.Now()
	test := &Test{Status: TestStatusNew}
	assert.False(t, test.SetStatus(TestStatusRunning, now), "NEW must not jump straight to RUNNING")
}

func TestAppendLogIsAppendOnly(t *testing.T) {
	now := time.Now()
	test := &Test{}
	test.AppendLog("first", now)
	test.AppendLog("second", now.Add(time.Second))
	assert.Equal(t, []LogLine{{Time: now, Text: "first"}, {Time: now.Add(time.Second), Text: "second"}}, test.Log)
}
