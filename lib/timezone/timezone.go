package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("America/Los_Angeles")
	if err != nil {
		panic(err)
	}
}

// force the clock into campus-local time, enrollment windows and log
// timestamps coming out of WebReg are all Pacific regardless of where
// the scraper happens to run
func Now() time.Time {
	return time.Now().In(Location)
}
