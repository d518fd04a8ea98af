package telephony

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type mockCalls struct {
	mock.Mock
}

func (m *mockCalls) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	args := m.Called(params)
	call, _ := args.Get(0).(*api.ApiV2010Call)
	return call, args.Error(1)
}

func TestTwilioPlacerPlacesCall(t *testing.T) {
	calls := new(mockCalls)
	sid := "CA123"
	calls.On("CreateCall", mock.MatchedBy(func(p *api.CreateCallParams) bool {
		return p.To != nil && *p.To == "+15550101" &&
			p.From != nil && *p.From == "+15550100" &&
			p.Url != nil && strings.HasPrefix(*p.Url, "https://relay.example.com/outbound-call?")
	})).Return(&api.ApiV2010Call{Sid: &sid}, nil)

	placer := newTwilioPlacer(calls, TwilioConfig{FromNumber: "+15550100", PublicBaseURL: "https://relay.example.com/"}, nil)
	placed, err := placer.PlaceCall(context.Background(), OutboundCall{To: " +15550101 ", AgentID: "A1", ElevenLabsAPIKey: "sk-123456789"})
	require.NoError(t, err)

	assert.Equal(t, "CA123", placed.CallSid)
	u, err := url.Parse(placed.TwiMLURL)
	require.NoError(t, err)
	assert.Equal(t, "/outbound-call", u.Path)
	assert.Equal(t, "A1", u.Query().Get("agentId"))
	assert.Equal(t, "sk-123456789", u.Query().Get("elevenLabsApiKey"))
	assert.False(t, u.Query().Has("prompt"))
	calls.AssertExpectations(t)
}

func TestTwilioPlacerValidatesInput(t *testing.T) {
	calls := new(mockCalls)
	placer := newTwilioPlacer(calls, TwilioConfig{FromNumber: "+15550100", PublicBaseURL: "https://relay.example.com"}, nil)

	_, err := placer.PlaceCall(context.Background(), OutboundCall{AgentID: "A1"})
	assert.ErrorIs(t, err, ErrInvalidCall)
	_, err = placer.PlaceCall(context.Background(), OutboundCall{To: "+15550101"})
	assert.ErrorIs(t, err, ErrInvalidCall)
	calls.AssertNotCalled(t, "CreateCall", mock.Anything)
}

func TestTwilioPlacerWrapsAPIError(t *testing.T) {
	calls := new(mockCalls)
	calls.On("CreateCall", mock.Anything).Return(nil, errors.New("status 401"))

	placer := newTwilioPlacer(calls, TwilioConfig{FromNumber: "+15550100", PublicBaseURL: "https://relay.example.com"}, nil)
	_, err := placer.PlaceCall(context.Background(), OutboundCall{To: "+15550101", AgentID: "A1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create call")
	calls.AssertExpectations(t)
}

func TestNewTwilioPlacerRequiresCredentials(t *testing.T) {
	_, err := NewTwilioPlacer(TwilioConfig{AccountSID: "AC1"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewTwilioPlacer(TwilioConfig{AccountSID: "AC1", AuthToken: "t", FromNumber: "+1"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	p, err := NewTwilioPlacer(TwilioConfig{AccountSID: "AC1", AuthToken: "t", FromNumber: "+1", PublicBaseURL: "https://x"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, p)
}
