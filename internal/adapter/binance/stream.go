package binance

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"pingpong/internal/adapter/base"
	"pingpong/internal/core"
	ws "pingpong/pkg/websocket"
)

const combinedStreamBase = "wss://stream.binance.com:9443/stream?streams="

// streamClient tracks best bid/ask through the combined bookTicker stream.
// Quotes are delivered as a passive feed (no request timestamp) so they only
// refresh the engine's tracked book, never classify fills.
type streamClient struct {
	client  *ws.Client
	events  base.Events
	logger  core.ILogger
	markets map[string]string // lowercase symbol -> market name
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   bookTickerEvent `json:"data"`
}

type bookTickerEvent struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	AskPrice string `json:"a"`
}

func newStreamClient(markets []string, events base.Events, logger core.ILogger) *streamClient {
	s := &streamClient{
		events:  events,
		logger:  logger.WithField("component", "binance_stream"),
		markets: make(map[string]string, len(markets)),
	}

	streams := make([]string, 0, len(markets))
	for _, market := range markets {
		symbol := strings.ToLower(symbolFor(market))
		s.markets[symbol] = market
		streams = append(streams, symbol+"@bookTicker")
	}

	url := combinedStreamBase + strings.Join(streams, "/")
	s.client = ws.NewClient(url, s.handleMessage, logger)
	return s
}

func (s *streamClient) Start() { s.client.Start() }
func (s *streamClient) Stop()  { s.client.Stop() }

func (s *streamClient) handleMessage(message []byte) {
	var msg combinedMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Warn("unparsable stream message", "error", err)
		return
	}

	market, ok := s.markets[strings.ToLower(msg.Data.Symbol)]
	if !ok {
		return
	}

	bid, berr := decimal.NewFromString(msg.Data.BidPrice)
	ask, aerr := decimal.NewFromString(msg.Data.AskPrice)
	if berr != nil || aerr != nil {
		return
	}

	s.events.OnTicker(map[string]core.TickerInfo{
		market: {Bid: bid, Ask: ask},
	}, 0)
}
