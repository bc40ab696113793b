// Package domain models tropical-cyclone detections and the text protocol
// spoken with the external detection and stitching engines.
//
// # Node Files
//
// The detection engine writes one text file per timestep. Each timestep starts
// with a header line of exactly five whitespace-separated tokens:
//
//	YYYY  MM  DD  <count>  HH
//
// followed by <count> header-free node records:
//
//	<i>  <j>  <lon>  <lat>  <psl>  <wind>  [<zs>]
//
// i and j are grid indices on the low-resolution snapshot, psl is minimum sea
// level pressure (Pa), wind is the maximum 10 m wind speed (m/s) and zs is the
// surface orography (m). The zs column exists only when the run uses
// [SchemaWithOrography]; the schema is fixed for a whole run and never inferred
// from the data.
//
// # Track Files
//
// The stitching engine writes one block per track:
//
//	start  <n_points>  YYYY  MM  DD  HH
//	<i>  <j>  <lon>  <lat>  <psl>  <wind>  [<zs>]  YYYY  MM  DD  HH
//	...
//
// The date columns follow the variable columns, so their position shifts by
// one when orography is present. Tracks are numbered in file order.
//
// # Longitudes
//
// Longitudes are degrees east in [0, 360) as produced by the engines. Box and
// mask computations compare longitudes modulo 360.
package domain
