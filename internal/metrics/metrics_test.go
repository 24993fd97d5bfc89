package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersExposed(t *testing.T) {
	before := testutil.ToFloat64(CandidatesTotal.WithLabelValues("spatial"))
	CandidatesTotal.WithLabelValues("spatial").Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(CandidatesTotal.WithLabelValues("spatial")))

	IndexVersion.Set(7)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "geomatch_candidates_total"))
	assert.True(t, strings.Contains(body, "geomatch_index_version 7"))
}
