// Package ir provides the canonical value model shared by every livedb layer.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps the value model the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - NO float types anywhere - use int64 for numbers
//   - Keys are a two-case type (Real / Pending), never a numeric sign convention
//   - Records are IRObject values; reference fields hold Key values
//   - All JSON tags use snake_case
package ir
