package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.PageScanned(1)
	r.PageScanned(2)
	r.Collected(5)
	r.Collected(0)
	r.Record("written", 2*time.Second)
	r.Record("skipped", 0)
	r.ExtractorFailed("mitre_attack")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.PagesScanned))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.CurrentPage))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.IdentifiersFound))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Records.WithLabelValues("written")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ExtractorErrors.WithLabelValues("mitre_attack")))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.PageScanned(1)
		r.Collected(3)
		r.Challenge()
		r.SaveFailed()
		r.Record("failed", time.Second)
		r.ExtractorFailed("x")
	})
}
