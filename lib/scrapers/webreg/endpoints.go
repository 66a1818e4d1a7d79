package webreg

// Remote endpoints and DOM selectors for the WebReg login flow. These
// track the live site and break whenever the portal is redeployed with
// new markup, keep them in one place.
const (
	startUrl      = "https://act.ucsd.edu/webreg2/start"
	schedNamesUrl = "https://act.ucsd.edu/webreg2/svc/wradapter/secure/sched-get-schednames?termcode=%s"
	getTermUrl    = "https://act.ucsd.edu/webreg2/svc/wradapter/secure/get-term"
)

const (
	// the SSO sign-on page renders this label above the credential form
	signOnMarker = "Signing on Using:"

	selSignOnUsername = "#ssousername"
	selSignOnPassword = "#ssopassword"
	selSignOnSubmit   = `button[type="submit"]`

	selGoButton   = "#startpage-button-go"
	selTermSelect = "#startpage-select-term"
	// indexed by sequence id
	selTermOption = `#startpage-select-term option[value="%d"]`

	selDuoHeading      = "h2#header-text"
	selDuoOtherOptions = "a#other-options-link"
	selTrustBrowser    = "#trust-browser-button"
)
