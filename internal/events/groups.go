package events

import "fmt"

// Group name builders. These strings are consumed verbatim by websocket
// clients; changing a format here breaks the frontend contract.

func AccountGroup(accountID string) Group {
	return Group(fmt.Sprintf("account_%s", accountID))
}

func PricesGroup(accountID, symbol string) Group {
	return Group(fmt.Sprintf("prices_%s_%s", accountID, symbol))
}

func CandlesGroup(accountID, symbol, timeframe string) Group {
	return Group(fmt.Sprintf("candles_%s_%s_%s", accountID, symbol, timeframe))
}
