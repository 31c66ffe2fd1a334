package model

import "github.com/shopspring/decimal"

func newInstrument(name, id, tickSize, sizeUnit string) Instrument {
	return Instrument{
		Name:         name,
		InstrumentID: id,
		TickSize:     decimal.RequireFromString(tickSize),
		SizeUnit:     decimal.RequireFromString(sizeUnit),
	}
}

// Kraken futures and spot share one registry; ids never collide between the two.
var krakenInstruments = []Instrument{
	newInstrument("btc_usd_perp", "PI_XBTUSD", "0.5", "1"),
	newInstrument("eth_usd_perp", "PI_ETHUSD", "0.05", "1"),
	newInstrument("ltc_usd_perp", "PI_LTCUSD", "0.01", "1"),
	newInstrument("xrp_usd_perp", "PI_XRPUSD", "0.0001", "1"),
	newInstrument("btc_usd", "XBT/USD", "0.1", "0.00000001"),
	newInstrument("eth_usd", "ETH/USD", "0.01", "0.0000001"),
	newInstrument("ltc_usd", "LTC/USD", "0.01", "0.0000001"),
	newInstrument("xrp_usd", "XRP/USD", "0.00001", "0.0001"),
}

var ftxInstruments = []Instrument{
	newInstrument("btc_usd_perp", "BTC-PERP", "1", "0.0001"),
	newInstrument("btc_usd_spot", "BTC/USD", "1", "0.0001"),
	newInstrument("eth_usd_perp", "ETH-PERP", "0.01", "0.001"),
	newInstrument("eth_usd_spot", "ETH/USD", "0.1", "0.001"),
	newInstrument("ltc_usd_perp", "LTC-PERP", "0.01", "0.01"),
	newInstrument("ltc_usd_spot", "LTC/USD", "0.005", "0.01"),
	newInstrument("xrp_usd_perp", "XRP-PERP", "0.000025", "1"),
	newInstrument("xrp_usd_spot", "XRP/USD", "0.000025", "1"),
}

// Instruments returns the static registry of the exchange.
func Instruments(ex Exchange) []Instrument {
	var src []Instrument
	switch ex {
	case FTXExchange:
		src = ftxInstruments
	case KrakenFuturesExchange, KrakenSpotExchange:
		src = krakenInstruments
	}
	out := make([]Instrument, len(src))
	copy(out, src)
	return out
}

// InstrumentByName looks up an instrument by its logical name.
func InstrumentByName(ex Exchange, name string) (Instrument, bool) {
	for _, inst := range Instruments(ex) {
		if inst.Name == name {
			return inst, true
		}
	}
	return Instrument{}, false
}

// InstrumentByID looks up an instrument by its exchange-native id.
func InstrumentByID(ex Exchange, id string) (Instrument, bool) {
	for _, inst := range Instruments(ex) {
		if inst.InstrumentID == id {
			return inst, true
		}
	}
	return Instrument{}, false
}
