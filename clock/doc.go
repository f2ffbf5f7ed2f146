/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package clock is the system clock seen by the time preferences daemon.

Supported methods include
  - reading wall time and a monotonic stamp that is not affected by steps
  - stepping CLOCK_REALTIME forwards or backwards through CLOCK_ADJTIME
  - marking the clock synchronized after a step

Fake implements the same contract together with a deferred callback
scheduler, so tests can move logical time without sleeping.
*/
package clock
