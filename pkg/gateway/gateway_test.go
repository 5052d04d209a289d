package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samsamfire/fwupdate/pkg/fwmaster"
)

type staticSource struct {
	records []fwmaster.SlaveRecord
}

func (s *staticSource) Progress() []fwmaster.SlaveRecord {
	return s.records
}

func TestProgressEndpoint(t *testing.T) {
	source := &staticSource{records: []fwmaster.SlaveRecord{
		{NodeId: 0x21, OutcomeStr: "success", BytesSent: 1024, TotalBytes: 1024},
		{NodeId: 0x22, OutcomeStr: "pending", BytesSent: 256, TotalBytes: 1024},
	}}
	gw := NewGatewayServer(nil, source)

	recorder := httptest.NewRecorder()
	gw.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/progress", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))

	var records []fwmaster.SlaveRecord
	assert.Nil(t, json.NewDecoder(recorder.Body).Decode(&records))
	assert.Len(t, records, 2)
	assert.Equal(t, uint8(0x21), records[0].NodeId)
	assert.Equal(t, uint32(256), records[1].BytesSent)

	recorder = httptest.NewRecorder()
	gw.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/progress", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}
