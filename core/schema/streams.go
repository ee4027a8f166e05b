package schema

// StreamTypes is the closed set of request keys the API accepts subscribe
// calls for. A subscribe request must carry at least one of these.
var StreamTypes = []string{
	"balance",
	"candles",
	"cashier_payments",
	"crypto_estimations",
	"exchange_rates",
	"p2p_advert_info",
	"p2p_advertiser_adverts",
	"p2p_advertiser_info",
	"p2p_order_info",
	"p2p_order_list",
	"proposal",
	"proposal_open_contract",
	"ticks",
	"ticks_history",
	"trading_platform_asset_listing",
	"transaction",
	"website_status",
}

// StreamType returns the message type a subscribe request maps to, or the
// empty string when no recognized stream key is present.
func StreamType(request Message) string {
	for _, typ := range StreamTypes {
		if _, ok := request[typ]; ok {
			return typ
		}
	}
	return ""
}
