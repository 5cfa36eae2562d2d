// internal/webkit/protocol.go
package webkit

// Wire payloads of the WebKit remote protocol. Only the fields this package
// reads or writes are declared.

type pageProxyCreatedPayload struct {
	PageProxyID      string `json:"pageProxyId"`
	BrowserContextID string `json:"browserContextId,omitempty"`
	OpenerID         string `json:"openerId,omitempty"`
}

type pageProxyDestroyedPayload struct {
	PageProxyID string `json:"pageProxyId"`
}

type provisionalLoadFailedPayload struct {
	PageProxyID string `json:"pageProxyId"`
	LoaderID    string `json:"loaderId"`
	Error       string `json:"error"`
}

type windowOpenPayload struct {
	PageProxyID    string   `json:"pageProxyId"`
	URL            string   `json:"url"`
	WindowFeatures []string `json:"windowFeatures"`
}

type createContextParams struct {
	ProxyServer     string `json:"proxyServer,omitempty"`
	ProxyBypassList string `json:"proxyBypassList,omitempty"`
}

type createContextResult struct {
	BrowserContextID string `json:"browserContextId"`
}

type createPageParams struct {
	BrowserContextID string `json:"browserContextId,omitempty"`
}

type createPageResult struct {
	PageProxyID string `json:"pageProxyId"`
}

type setDownloadBehaviorParams struct {
	Behavior         string `json:"behavior"`
	DownloadPath     string `json:"downloadPath,omitempty"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

type navigateParams struct {
	URL         string `json:"url"`
	PageProxyID string `json:"pageProxyId"`
	FrameID     string `json:"frameId"`
	Referrer    string `json:"referrer,omitempty"`
}

type navigateResult struct {
	LoaderID string `json:"loaderId"`
}

// Target domain, delivered on page proxy sessions.

type targetInfo struct {
	TargetID      string `json:"targetId"`
	Type          string `json:"type"`
	IsProvisional bool   `json:"isProvisional,omitempty"`
	IsPaused      bool   `json:"isPaused,omitempty"`
}

type targetCreatedPayload struct {
	TargetInfo targetInfo `json:"targetInfo"`
}

type targetDestroyedPayload struct {
	TargetID string `json:"targetId"`
	Crashed  bool   `json:"crashed,omitempty"`
}

type dispatchMessageFromTargetPayload struct {
	TargetID string `json:"targetId"`
	Message  string `json:"message"`
}

type didCommitProvisionalTargetPayload struct {
	OldTargetID string `json:"oldTargetId"`
	NewTargetID string `json:"newTargetId"`
}

type sendMessageToTargetParams struct {
	Message  string `json:"message"`
	TargetID string `json:"targetId"`
}

type targetIDParams struct {
	TargetID string `json:"targetId"`
}

type targetCloseParams struct {
	TargetID        string `json:"targetId"`
	RunBeforeUnload bool   `json:"runBeforeUnload,omitempty"`
}

// Page domain, delivered on target sessions.

type framePayload struct {
	ID          string `json:"id"`
	ParentID    string `json:"parentId,omitempty"`
	LoaderID    string `json:"loaderId"`
	Name        string `json:"name,omitempty"`
	URL         string `json:"url"`
	URLFragment string `json:"urlFragment,omitempty"`
}

type frameResourceTree struct {
	Frame       framePayload        `json:"frame"`
	ChildFrames []frameResourceTree `json:"childFrames,omitempty"`
}

type getResourceTreeResult struct {
	FrameTree frameResourceTree `json:"frameTree"`
}

type frameNavigatedPayload struct {
	Frame framePayload `json:"frame"`
}

type navigatedWithinDocumentPayload struct {
	FrameID string `json:"frameId"`
	URL     string `json:"url"`
}

type frameAttachedPayload struct {
	FrameID       string `json:"frameId"`
	ParentFrameID string `json:"parentFrameId,omitempty"`
}

type frameIDPayload struct {
	FrameID string `json:"frameId"`
}

type frameScheduledNavigationPayload struct {
	FrameID              string  `json:"frameId"`
	Delay                float64 `json:"delay"`
	TargetIsCurrentFrame bool    `json:"targetIsCurrentFrame"`
}

type didCheckNavigationPolicyPayload struct {
	FrameID string `json:"frameId"`
	Cancel  bool   `json:"cancel,omitempty"`
}

type createUserWorldParams struct {
	Name string `json:"name"`
}

type setActiveAndFocusedParams struct {
	Active bool `json:"active"`
}

type setExtraHTTPHeadersParams struct {
	Headers map[string]string `json:"headers"`
}

// Network domain.

type requestPayload struct {
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers"`
	PostData string            `json:"postData,omitempty"`
}

type responsePayload struct {
	URL        string            `json:"url"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	MimeType   string            `json:"mimeType,omitempty"`
}

type requestWillBeSentPayload struct {
	RequestID        string           `json:"requestId"`
	FrameID          string           `json:"frameId"`
	LoaderID         string           `json:"loaderId"`
	Request          requestPayload   `json:"request"`
	Timestamp        float64          `json:"timestamp"`
	Type             string           `json:"type,omitempty"`
	RedirectResponse *responsePayload `json:"redirectResponse,omitempty"`
}

type responseReceivedPayload struct {
	RequestID string          `json:"requestId"`
	FrameID   string          `json:"frameId"`
	LoaderID  string          `json:"loaderId"`
	Timestamp float64         `json:"timestamp"`
	Type      string          `json:"type,omitempty"`
	Response  responsePayload `json:"response"`
}

type loadingFinishedPayload struct {
	RequestID string  `json:"requestId"`
	Timestamp float64 `json:"timestamp"`
}

type loadingFailedPayload struct {
	RequestID string  `json:"requestId"`
	Timestamp float64 `json:"timestamp"`
	ErrorText string  `json:"errorText"`
}
