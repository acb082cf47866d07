package authz

import (
	"net/netip"

	"github.com/oschwald/maxminddb-golang/v2"
	"go.uber.org/zap"

	"github.com/doorman-project/doorman/internal/logging"
)

// MMDBLookup resolves country codes from a MaxMind country database.
type MMDBLookup struct {
	db *maxminddb.Reader
}

// OpenMMDB opens the database at path.
func OpenMMDB(path string) (*MMDBLookup, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &MMDBLookup{db: db}, nil
}

// CountryCode returns the ISO code for ip, or "" when the address is
// unparseable or absent from the database.
func (m *MMDBLookup) CountryCode(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := m.db.Lookup(addr).Decode(&record); err != nil {
		logging.Debug("geo lookup failed", zap.String("ip", ip), zap.Error(err))
		return ""
	}
	return record.Country.ISOCode
}

// Close releases the database.
func (m *MMDBLookup) Close() error {
	return m.db.Close()
}
