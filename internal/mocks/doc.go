// Package mocks provides centralized mock implementations for testing.
//
// Store and service mocks embed testify's mock.Mock; the auth mocks use
// function fields with defaults, which keeps simple handler tests short.
//
//	books := &mocks.MockBookService{}
//	books.On("GetOne", mock.Anything, id).Return(book, nil)
package mocks
