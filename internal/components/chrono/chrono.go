package chrono

import "time"

type API interface {
	Now() time.Time
	Location() *time.Location
}

// StandardImpl pins every timestamp to one location so date derived values
// (dynamic keys, listing windows) don't drift with the host timezone.
type StandardImpl struct {
	location *time.Location
}

// NewStandardImpl loads the named IANA location, an empty name means time.Local.
func NewStandardImpl(name string) (StandardImpl, error) {
	if name == "" {
		return StandardImpl{location: time.Local}, nil
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		return StandardImpl{}, err
	}
	return StandardImpl{location: location}, nil
}

func (s StandardImpl) Now() time.Time {
	return time.Now().In(s.location)
}

func (s StandardImpl) Location() *time.Location {
	return s.location
}

// Fixed always returns the same instant, for tests.
type Fixed struct {
	At time.Time
}

func (f Fixed) Now() time.Time {
	return f.At
}

func (f Fixed) Location() *time.Location {
	return f.At.Location()
}
