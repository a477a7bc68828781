// Package service contains the application use cases of the bookshelf API.
// It coordinates domain entities, the stores defined in internal/store and
// the image pipeline to fulfil requests from the API layer.
//
// Key components:
//
// 1. UserService:
//   - Registers users, hashing passwords before they reach the store
//   - Authenticates credentials without revealing which part was wrong
//
// 2. BookService:
//   - Gates every mutation on ownership, except rating
//   - Records one rating per user and keeps the average in step
//   - Owns the cover image lifecycle: staged uploads are always released,
//     replaced or orphaned images are discarded on a best-effort basis
//   - Serves the top-rated listing through an optional cache
//
// 3. Error Handling:
//   - Expected conditions are sentinel errors (ErrBookNotFound, ErrForbidden, ...)
//     checked with errors.Is
//   - Unexpected failures are wrapped in ServiceError
//
// Services receive their dependencies through constructor injection and
// depend only on interfaces, never on a specific store implementation.
package service
