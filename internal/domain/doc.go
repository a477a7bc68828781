// Package domain contains the core business entities of the catalog: users,
// books and their ratings. It holds the rating and validation rules and is
// independent of any storage or delivery mechanism.
package domain
