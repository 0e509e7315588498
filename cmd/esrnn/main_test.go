package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/forecastworks/esrnn/data"
)

func TestIDPanel(t *testing.T) {
	ds := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := data.Panel{
		{UniqueID: "s1", Ds: ds, X: "retail"},
		{UniqueID: "s1", Ds: ds.AddDate(0, 0, 1), X: "retail"},
		{UniqueID: "s2", Ds: ds, X: "retail"},
		{UniqueID: "s1", Ds: ds.AddDate(0, 0, 2), X: "retail"},
	}

	out := idPanel(in)
	assert.Len(t, out, 2)
	assert.Equal(t, "s1", out[0].UniqueID)
	assert.Equal(t, "s2", out[1].UniqueID)
	for _, r := range out {
		assert.True(t, r.Ds.IsZero(), "default prediction panel carries no timestamps")
		assert.Empty(t, r.X)
	}
}
