package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           dictd API
// @version         1.0
// @description     HTTP control API for local dictation: recording sessions, model configuration and the UI event stream.
//
// @contact.name   dictd maintainers
// @contact.url    https://github.com/your-org/dictd
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
