package gateway

import "net/url"

var forwardedParams = []string{"referenceCode", "transactionState", "lapTransactionState", "message", "TX_VALUE", "currency"}

// ResponseRedirect builds the storefront URL the browser is sent to after
// paying. It never fails: an unusable page URL degrades to "/".
func ResponseRedirect(pageURL string, q url.Values) string {
	target, err := url.Parse(pageURL)
	if err != nil || pageURL == "" {
		target = &url.URL{Path: "/"}
	}
	out := target.Query()
	for _, k := range forwardedParams {
		if v := q.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	target.RawQuery = out.Encode()
	return target.String()
}
