// Package domain models the MRMS precipitation comparison data.
//
// # Renditions
//
// The same Multi-Radar/Multi-Sensor (MRMS) precipitation product is published
// in two independent renditions:
//
//   - GRIB2: NOAA's public archive at s3://noaa-mrms-pds, product
//     PrecipRate_00.00, one gzipped file per two-minute cycle named
//     MRMS_PrecipRate_00.00_<YYYYMMDD-HHMMSS>.grib2.gz. Instantaneous rate
//     in mm/hr on a CONUS grid with longitudes in [0, 360).
//   - NetCDF: the Iowa Environmental Mesonet raster2netcdf service, product
//     mrms_a2m, keyed by <YYYYMMDDHHMM>. Two-minute accumulation in mm on a
//     regular lat/lon grid with longitudes in [-180, 180].
//
// # Time alignment
//
// Both renditions publish on a two-minute cadence at even UTC minutes.
// [AlignToBucket] floors an incident timestamp to its bucket: seconds and
// sub-seconds drop, odd minutes round down. Incidents sharing a bucket share
// one artifact pair per rendition, so downloads and extraction are amortized
// over the group.
//
// # Longitude conventions
//
// GRIB2 grids carry longitudes in [0, 360); incident records and the NetCDF
// grid use [-180, 180]. [Lon360] and [Lon180] convert between the two.
// Matched cells are always reported back in [-180, 180] regardless of which
// rendition they came from.
//
// # Value conventions
//
// Negative values are MRMS sentinels (-1 no coverage, -3 missing) and NaN
// marks bitmap-masked cells; both resolve to a nil match value. Zero is a
// real "no precipitation" measurement and stays valid. Instantaneous rates
// convert to two-minute accumulations as rate * 2 / 60 at extraction time.
package domain
