package entity

// Exchange codes recognized by the engine.
const (
	SHFE  = "SHFE"  // Shanghai Futures Exchange
	DCE   = "DCE"   // Dalian Commodity Exchange
	CZCE  = "CZCE"  // Zhengzhou Commodity Exchange
	CFFEX = "CFFEX" // China Financial Futures Exchange
	INE   = "INE"   // Shanghai International Energy Exchange
	GFEX  = "GFEX"  // Guangzhou Futures Exchange
	SSE   = "SSE"   // Shanghai Stock Exchange
	SZSE  = "SZSE"  // Shenzhen Stock Exchange
	BSE   = "BSE"   // Beijing Stock Exchange
)

// FutureExchanges lists the futures exchanges.
var FutureExchanges = []string{SHFE, DCE, CZCE, CFFEX, INE, GFEX}

// StockExchanges lists the stock exchanges.
var StockExchanges = []string{SSE, SZSE, BSE}

// AllExchanges lists every known exchange.
var AllExchanges = append(append([]string{}, FutureExchanges...), StockExchanges...)
